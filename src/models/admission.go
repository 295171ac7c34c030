package models

import (
	"gatekeeper/src/types"
	"time"
)

// Admission is written once, when a token is first let through the door.
type Admission struct {
	ID uint `json:"id"`

	TokenID   uint                   `gorm:"uniqueIndex" json:"token_id,omitempty"`
	EventID   uint                   `gorm:"index" json:"event_id,omitempty"`
	Source    types.SubmissionSource `json:"source,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	StaffID   *string                `json:"staff_id,omitempty"`
	AdmitAt   time.Time              `json:"admit_at"`
	Reentries uint                   `gorm:"default:0" json:"reentries"`

	Token AdmissionToken `gorm:"foreignKey:TokenID" json:"token,omitempty"`

	types.Timestamps
}
