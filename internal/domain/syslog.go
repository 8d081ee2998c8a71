package domain

import "time"

// SysLog audit trail for background activity (queue outcomes, session transitions)
type SysLog struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	AdminID   int64     `json:"admin_id,string" gorm:"index"`
	Level     string    `json:"level"`
	Module    string    `json:"module" gorm:"index"`
	Event     string    `json:"event"`
	Payload   string    `json:"payload" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (SysLog) TableName() string {
	return "sys_log"
}

// NotifyLog one call to the new-customer notification endpoint
type NotifyLog struct {
	ID             int64     `json:"id,string" gorm:"primaryKey"`
	AdminID        int64     `json:"admin_id,string" gorm:"index"`
	CustomerName   string    `json:"customer_name"`
	PhoneNumber    string    `json:"phone_number"`
	Message        string    `json:"message" gorm:"type:text"`
	ApiURL         string    `json:"api_url"`
	RequestPayload string    `json:"request_payload" gorm:"type:text"`
	ResponseStatus int       `json:"response_status"`
	ResponseBody   string    `json:"response_body" gorm:"type:text"`
	Success        bool      `json:"success" gorm:"index"`
	ErrorMessage   string    `json:"error_message" gorm:"type:text"`
	AttemptNumber  int       `json:"attempt_number"`
	Duration       int64     `json:"duration"` // milliseconds
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
}

func (NotifyLog) TableName() string {
	return "notify_log"
}
