package domain

var Tables = []interface{}{
	// Session
	&WhatsAppCredential{},
	&WhatsAppDevice{},
	// Messaging
	&Customer{},
	&Message{},
	&Template{},
	&MessageCategory{},
	// Audit
	&SysLog{},
	&NotifyLog{},
}
