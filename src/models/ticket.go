package models

import (
	"gatekeeper/src/types"
	"time"
)

// AdmissionToken is anything scannable at the door: a GA ticket or a VIP guest pass.
type AdmissionToken struct {
	ID              uint              `gorm:"primarykey" json:"id"`
	EventID         uint              `gorm:"index" json:"event_id"`
	Token           string            `gorm:"uniqueIndex;not null" json:"token"`
	Signature       string            `json:"-"`
	Reference       *string           `gorm:"uniqueIndex" json:"reference,omitempty"`
	Barcode         *string           `gorm:"uniqueIndex" json:"barcode,omitempty"`
	Kind            types.TokenKind   `gorm:"default:'ga'" json:"kind"`
	Status          types.TokenStatus `gorm:"default:'valid';index" json:"status"`
	ReentryAllowed  bool              `json:"reentry_allowed"`
	HolderName      string            `json:"holder_name,omitempty"`
	ScannedAt       *time.Time        `json:"scanned_at,omitempty"`
	ScannedByDevice *string           `json:"scanned_by_device,omitempty"`
	ScannedBy       *string           `json:"scanned_by,omitempty"`
	ReservationID   *uint             `gorm:"index" json:"reservation_id,omitempty"`

	Reservation *VipReservation `gorm:"foreignKey:ReservationID" json:"reservation,omitempty"`

	types.Timestamps
}

func (t *AdmissionToken) IsVIP() bool {
	return t.Kind == types.TOKEN_KIND_VIP_GUEST
}

// Info returns the wire/cache subset. Signatures are included only when
// withSignature is set, i.e. for device snapshots.
func (t *AdmissionToken) Info(withSignature bool) *types.TokenInfo {
	info := types.TokenInfo{
		ID:             t.ID,
		EventID:        t.EventID,
		Token:          t.Token,
		Kind:           t.Kind,
		Status:         t.Status,
		ReentryAllowed: t.ReentryAllowed,
		HolderName:     t.HolderName,
		ScannedAt:      t.ScannedAt,
		ReservationID:  t.ReservationID,
	}
	if withSignature {
		info.Signature = t.Signature
	}
	if t.ScannedByDevice != nil {
		info.ScannedByDevice = *t.ScannedByDevice
	}
	if t.ScannedBy != nil {
		info.ScannedBy = *t.ScannedBy
	}
	if t.Reservation != nil {
		info.GuestCount = t.Reservation.GuestCount
		info.CheckedInGuests = t.Reservation.CheckedInGuests
	}
	return &info
}
