package models

import (
	"gatekeeper/src/types"
	"time"
)

// ScanSubmission is the coordinator's record of a scan reported by a device,
// whether accepted online or synced from an offline queue.
type ScanSubmission struct {
	ID        uint                   `gorm:"primarykey" json:"id"`
	DeviceID  string                 `gorm:"uniqueIndex:idx_submission_origin;not null" json:"device_id"`
	LocalID   *uint                  `gorm:"uniqueIndex:idx_submission_origin" json:"local_id,omitempty"`
	TokenID   uint                   `gorm:"index" json:"token_id"`
	EventID   uint                   `json:"event_id"`
	StaffID   *string                `json:"staff_id,omitempty"`
	ScannedAt time.Time              `gorm:"index" json:"scanned_at"`
	Status    types.SyncStatus       `json:"status"`
	Reentry   bool                   `json:"reentry"`
	Source    types.SubmissionSource `json:"source"`

	types.Timestamps
}

// Ref identifies the submission to devices. Online accepts have no local id.
func (s *ScanSubmission) Ref() *types.ScanRef {
	return &types.ScanRef{DeviceID: s.DeviceID, LocalID: s.localID(), ScannedAt: s.ScannedAt}
}

func (s *ScanSubmission) localID() uint {
	if s.LocalID == nil {
		return 0
	}
	return *s.LocalID
}

// Before reports whether s wins an earliest-wins race against o. Equal
// timestamps fall back to a stable device/local id ordering.
func (s *ScanSubmission) Before(o *ScanSubmission) bool {
	if !s.ScannedAt.Equal(o.ScannedAt) {
		return s.ScannedAt.Before(o.ScannedAt)
	}
	if s.DeviceID != o.DeviceID {
		return s.DeviceID < o.DeviceID
	}
	return s.localID() < o.localID()
}
