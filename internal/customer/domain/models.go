package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Customer is the local mirror of a processor customer, resolved or created
// the first time a checkout event references it.
type Customer struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	ExternalCustomerID string       `gorm:"type:text;not null" json:"external_customer_id"`
	Email              string       `gorm:"type:text" json:"email"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }
