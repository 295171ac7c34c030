package models

import (
	"gatekeeper/src/types"
	"time"
)

// ScanEvent is a device-owned record of an offline decision awaiting
// confirmation by the coordinator.
type ScanEvent struct {
	ID            uint             `gorm:"primarykey;autoIncrement" json:"id"`
	TokenID       uint             `gorm:"index" json:"token_id"`
	Token         string           `gorm:"index" json:"token"`
	EventID       uint             `gorm:"index" json:"event_id"`
	Kind          types.QueueKind  `gorm:"default:'ga'" json:"kind"`
	DeviceID      string           `json:"device_id"`
	StaffID       string           `json:"staff_id,omitempty"`
	ScannedAt     time.Time        `json:"scanned_at"`
	Reentry       bool             `json:"reentry"`
	SyncStatus    types.SyncStatus `gorm:"default:'pending';index" json:"sync_status"`
	RetryCount    int              `gorm:"default:0" json:"retry_count"`
	LastError     string           `json:"last_error,omitempty"`
	NextAttemptAt time.Time        `gorm:"index" json:"next_attempt_at"`
	SyncedAt      *time.Time       `json:"synced_at,omitempty"`
	WinnerDevice  *string          `json:"winner_device,omitempty"`
	WinnerLocalID *uint            `json:"winner_local_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime:nano" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:nano" json:"updated_at"`
}

func (e *ScanEvent) Submission() types.SubmitScanRequestBody {
	return types.SubmitScanRequestBody{
		LocalID:   e.ID,
		TokenID:   e.TokenID,
		Token:     e.Token,
		EventID:   e.EventID,
		DeviceID:  e.DeviceID,
		StaffID:   e.StaffID,
		Kind:      e.Kind,
		Reentry:   e.Reentry,
		ScannedAt: e.ScannedAt,
	}
}
