package domain

import "time"

// WhatsAppCredential one piece of session authentication material.
// Exactly one row exists per (admin_id, key).
type WhatsAppCredential struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	AdminID   int64     `json:"admin_id,string" gorm:"uniqueIndex:idx_whatsapp_credential_key,priority:1;not null"`
	Key       string    `json:"key" gorm:"uniqueIndex:idx_whatsapp_credential_key,priority:2;size:191;not null"`
	Value     []byte    `json:"-" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WhatsAppCredential) TableName() string {
	return "whatsapp_credential"
}
