// Package domain holds the thin project reference consumed by billing.
// Project management itself lives outside this service; billing only
// needs the default hourly rate and the client linkage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Project struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	TenantID   snowflake.ID `gorm:"not null;index"`
	ClientID   snowflake.ID `gorm:"not null;index"`
	Name       string       `gorm:"type:text;not null"`
	HourlyRate int64        `gorm:"not null;default:0"`
	Currency   string       `gorm:"type:text;not null;default:'USD'"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Project) TableName() string { return "projects" }
