package types

import "time"

type VerifySignatureRequestBody struct {
	Token     string   `json:"token" binding:"required"`
	Signature string   `json:"signature"`
	Meta      ScanMeta `json:"meta"`
}

type VerifySignatureResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type TokenURIParams struct {
	Identifier string `uri:"identifier" binding:"required"`
}

type SimpleRequestParams struct {
	ID uint `uri:"id" binding:"required"`
}

type EventURIParams struct {
	EventID uint `uri:"eventId" binding:"required"`
}

// AcceptTokenRequestBody and VipScanRequestBody carry the device's selected
// event. A first entry of a token from any other event is refused; zero skips
// the check.
type AcceptTokenRequestBody struct {
	EventID   uint      `json:"event_id,omitempty"`
	DeviceID  string    `json:"device_id" binding:"required"`
	StaffID   string    `json:"staff_id,omitempty"`
	ScannedAt time.Time `json:"scanned_at" binding:"required"`
}

type AcceptTokenResult struct {
	Accepted bool         `json:"accepted"`
	Reentry  bool         `json:"reentry,omitempty"`
	Reason   RejectReason `json:"reason,omitempty"`
	Token    *TokenInfo   `json:"token,omitempty"`
}

type VipScanRequestBody struct {
	EventID       uint      `json:"event_id,omitempty"`
	DeviceID      string    `json:"device_id" binding:"required"`
	StaffID       string    `json:"staff_id,omitempty"`
	ReservationID *uint     `json:"reservation_id,omitempty"`
	ScannedAt     time.Time `json:"scanned_at" binding:"required"`
}

type VipScanResult struct {
	Success         bool         `json:"success"`
	EntryType       EntryType    `json:"entry_type,omitempty"`
	CheckedInGuests uint         `json:"checked_in_guests"`
	GuestCount      uint         `json:"guest_count"`
	Reason          RejectReason `json:"reason,omitempty"`
	Token           *TokenInfo   `json:"token,omitempty"`
}

type SubmitScanRequestBody struct {
	LocalID   uint      `json:"local_id" binding:"required"`
	TokenID   uint      `json:"token_id" binding:"required"`
	Token     string    `json:"token,omitempty"`
	EventID   uint      `json:"event_id" binding:"required"`
	DeviceID  string    `json:"device_id" binding:"required"`
	StaffID   string    `json:"staff_id,omitempty"`
	Kind      QueueKind `json:"kind" binding:"omitempty,oneof=ga vip"`
	Reentry   bool      `json:"reentry,omitempty"`
	ScannedAt time.Time `json:"scanned_at" binding:"required"`
}

// ScanRef identifies a device-local scan record on the coordinator.
type ScanRef struct {
	DeviceID  string    `json:"device_id"`
	LocalID   uint      `json:"local_id"`
	ScannedAt time.Time `json:"scanned_at"`
}

type SubmitScanResult struct {
	Status SyncStatus `json:"status"`
	Winner *ScanRef   `json:"winner,omitempty"`
}

type ScanStatusRequestBody struct {
	DeviceID string `json:"device_id" binding:"required"`
	LocalIDs []uint `json:"local_ids" binding:"required,min=1,max=500"`
}

type ScanStatusResponse struct {
	Statuses map[uint]SyncStatus `json:"statuses"`
}

type SnapshotResponse struct {
	EventID     uint        `json:"event_id"`
	Tokens      []TokenInfo `json:"tokens"`
	GeneratedAt time.Time   `json:"generated_at"`
}

type LogScanRequestBody struct {
	Failed bool       `json:"failed"`
	Record ScanRecord `json:"record" binding:"required"`
}

type Handler func(payload string)
