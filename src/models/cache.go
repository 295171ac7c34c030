package models

import (
	"gatekeeper/src/types"
	"time"
)

// CachedToken is one row of the device-local snapshot, keyed by token.
type CachedToken struct {
	Token           string            `gorm:"primarykey" json:"token"`
	EventID         uint              `gorm:"index" json:"event_id"`
	TokenID         uint              `gorm:"index" json:"token_id"`
	Signature       string            `json:"signature"`
	Kind            types.TokenKind   `json:"kind"`
	Status          types.TokenStatus `json:"status"`
	ReentryAllowed  bool              `json:"reentry_allowed"`
	HolderName      string            `json:"holder_name,omitempty"`
	ScannedAt       *time.Time        `json:"scanned_at,omitempty"`
	ScannedByDevice string            `json:"scanned_by_device,omitempty"`
	ScannedBy       string            `json:"scanned_by,omitempty"`
	ReservationID   *uint             `json:"reservation_id,omitempty"`
	GuestCount      uint              `json:"guest_count"`
	CheckedInGuests uint              `json:"checked_in_guests"`
}

func CachedTokenFromInfo(info types.TokenInfo) CachedToken {
	return CachedToken{
		Token:           info.Token,
		EventID:         info.EventID,
		TokenID:         info.ID,
		Signature:       info.Signature,
		Kind:            info.Kind,
		Status:          info.Status,
		ReentryAllowed:  info.ReentryAllowed,
		HolderName:      info.HolderName,
		ScannedAt:       info.ScannedAt,
		ScannedByDevice: info.ScannedByDevice,
		ScannedBy:       info.ScannedBy,
		ReservationID:   info.ReservationID,
		GuestCount:      info.GuestCount,
		CheckedInGuests: info.CheckedInGuests,
	}
}

func (c CachedToken) Info() types.TokenInfo {
	return types.TokenInfo{
		ID:              c.TokenID,
		EventID:         c.EventID,
		Token:           c.Token,
		Signature:       c.Signature,
		Kind:            c.Kind,
		Status:          c.Status,
		ReentryAllowed:  c.ReentryAllowed,
		HolderName:      c.HolderName,
		ScannedAt:       c.ScannedAt,
		ScannedByDevice: c.ScannedByDevice,
		ScannedBy:       c.ScannedBy,
		ReservationID:   c.ReservationID,
		GuestCount:      c.GuestCount,
		CheckedInGuests: c.CheckedInGuests,
	}
}

// CacheMeta tracks snapshot freshness per event.
type CacheMeta struct {
	EventID      uint      `gorm:"primarykey;autoIncrement:false" json:"event_id"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	TicketCount  uint      `json:"ticket_count"`
	ScannedCount uint      `json:"scanned_count"`
}
