package database

import "time"

// AuditLog is one entry in the audit trail. SessionID and HostKey are empty
// when the event is not tied to one.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;size:64" json:"session_id,omitempty"`
	HostKey   string    `gorm:"index;size:255" json:"host_key,omitempty"`
	EventType string    `gorm:"index;size:64;not null" json:"event_type"`
	Details   string    `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }
