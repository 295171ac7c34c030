package models

import (
	"gatekeeper/src/types"
)

type VipReservation struct {
	ID              uint                    `gorm:"primarykey" json:"id"`
	EventID         uint                    `gorm:"index" json:"event_id"`
	TableID         uint                    `json:"table_id"`
	Status          types.ReservationStatus `gorm:"default:'pending'" json:"status"`
	GuestCount      uint                    `json:"guest_count"`
	CheckedInGuests uint                    `gorm:"default:0" json:"checked_in_guests"`

	Passes []AdmissionToken `gorm:"foreignKey:ReservationID" json:"passes,omitempty"`

	types.Timestamps
}

var reservationTransitions = map[types.ReservationStatus][]types.ReservationStatus{
	types.RESERVATION_PENDING:    {types.RESERVATION_CONFIRMED, types.RESERVATION_CANCELLED},
	types.RESERVATION_CONFIRMED:  {types.RESERVATION_CHECKED_IN, types.RESERVATION_CANCELLED},
	types.RESERVATION_CHECKED_IN: {types.RESERVATION_COMPLETED, types.RESERVATION_CANCELLED},
}

// CanTransitionReservation reports whether from -> to is a forward move.
func CanTransitionReservation(from, to types.ReservationStatus) bool {
	for _, next := range reservationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Admits reports whether guests of the reservation may still enter.
func (r *VipReservation) Admits() bool {
	return r.Status == types.RESERVATION_CONFIRMED || r.Status == types.RESERVATION_CHECKED_IN
}
