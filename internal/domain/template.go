package domain

import "time"

// Template is shared by every tenant.
type Template struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Title     string    `json:"title" gorm:"not null"`
	Body      string    `json:"body" gorm:"type:text;not null"`
	Category  string    `json:"category" gorm:"index"`
	MediaURL  string    `json:"media_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Template) TableName() string {
	return "template"
}

// MessageCategory a tenant-owned body used by category campaigns
type MessageCategory struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	AdminID   int64     `json:"admin_id,string" gorm:"index;not null"`
	Category  string    `json:"category" gorm:"index;not null"`
	Title     string    `json:"title" gorm:"not null"`
	Body      string    `json:"body" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MessageCategory) TableName() string {
	return "message_category"
}
