package domain

import (
	"database/sql/driver"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	TagIncomingMessage = "incoming-message"
	TagAutoAdded       = "auto-added"
)

// Tags is a string set persisted as a JSON array.
type Tags []string

func (t Tags) Has(tag string) bool {
	for _, v := range t {
		if v == tag {
			return true
		}
	}
	return false
}

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	bs, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}

func (t *Tags) Scan(src interface{}) error {
	var bs []byte
	switch v := src.(type) {
	case nil:
		*t = Tags{}
		return nil
	case []byte:
		bs = v
	case string:
		bs = []byte(v)
	default:
		return errors.Errorf("unsupported tags column type %T", src)
	}
	if len(bs) == 0 {
		*t = Tags{}
		return nil
	}
	var out []string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(bs, &out); err != nil {
		return errors.Wrap(err, "decode tags")
	}
	*t = out
	return nil
}

// Customer is a counterpart phone number known to a tenant.
type Customer struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	AdminID   int64     `json:"admin_id,string" gorm:"uniqueIndex:idx_customer_admin_phone,priority:1;not null"`
	Phone     string    `json:"phone" gorm:"uniqueIndex:idx_customer_admin_phone,priority:2;size:32;not null"`
	Name      string    `json:"name" gorm:"not null"`
	Email     string    `json:"email"`
	Tags      Tags      `json:"tags" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Customer) TableName() string {
	return "customer"
}
