package models

import (
	"gatekeeper/src/types"
	"time"

	"github.com/google/uuid"
)

// ScanLog is the append-only decision trail fed by device log sinks.
type ScanLog struct {
	ID         uuid.UUID          `gorm:"primarykey;type:uuid" json:"id"`
	DecisionID string             `gorm:"index" json:"decision_id"`
	TokenID    uint               `gorm:"index" json:"token_id,omitempty"`
	EventID    uint               `json:"event_id"`
	DeviceID   string             `json:"device_id"`
	Channel    types.Channel      `json:"channel"`
	Mode       types.Mode         `json:"mode"`
	Accepted   bool               `json:"accepted"`
	Reentry    bool               `json:"reentry"`
	Reason     types.RejectReason `json:"reason,omitempty"`
	ScannedAt  time.Time          `json:"scanned_at"`
	Metadata   types.JSONB        `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

func NewScanLog(r types.ScanRecord) ScanLog {
	return ScanLog{
		ID:         uuid.New(),
		DecisionID: r.DecisionID,
		TokenID:    r.TokenID,
		EventID:    r.EventID,
		DeviceID:   r.DeviceID,
		Channel:    r.Channel,
		Mode:       r.Mode,
		Accepted:   r.Accepted,
		Reentry:    r.Reentry,
		Reason:     r.Reason,
		ScannedAt:  r.ScannedAt,
		Metadata:   scanMetadata(r),
	}
}

// scanMetadata keeps the risk inputs of a scan next to its decision.
func scanMetadata(r types.ScanRecord) types.JSONB {
	meta := types.JSONB{}
	if r.StaffID != "" {
		meta["staff_id"] = r.StaffID
	}
	if r.Fingerprint != "" {
		meta["fingerprint"] = r.Fingerprint
	}
	if r.Latitude != nil && r.Longitude != nil {
		meta["lat"] = *r.Latitude
		meta["lng"] = *r.Longitude
	}
	if r.Proxy {
		meta["proxy"] = true
	}
	if r.VPN {
		meta["vpn"] = true
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
