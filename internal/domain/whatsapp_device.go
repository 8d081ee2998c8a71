package domain

import "time"

// WhatsAppDevice is the last known state of the account a tenant linked.
// The live connection itself only exists in memory.
type WhatsAppDevice struct {
	ID        int64      `json:"id,string" gorm:"primaryKey"`
	AdminID   int64      `json:"admin_id,string" gorm:"uniqueIndex"`
	Phone     string     `json:"phone"`
	Name      string     `json:"name"`
	Jid       string     `json:"jid"`
	Status    string     `json:"status"` // connected, disconnected, logged_out
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (WhatsAppDevice) TableName() string {
	return "whatsapp_device"
}
