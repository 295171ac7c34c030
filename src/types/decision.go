package types

import (
	"time"
)

type RejectReason string

const (
	REJECT_ALREADY_USED        RejectReason = "already_used"
	REJECT_WRONG_EVENT         RejectReason = "wrong_event"
	REJECT_INVALID             RejectReason = "invalid"
	REJECT_EXPIRED             RejectReason = "expired"
	REJECT_TAMPERED            RejectReason = "tampered"
	REJECT_NOT_FOUND           RejectReason = "not_found"
	REJECT_OFFLINE_UNKNOWN     RejectReason = "offline_unknown"
	REJECT_STORAGE_UNAVAILABLE RejectReason = "storage_unavailable"
)

var rejectMessages = map[RejectReason][2]string{
	REJECT_ALREADY_USED:        {"Ticket has already been used", "Check the prior scan details and refer the guest to the box office"},
	REJECT_WRONG_EVENT:         {"Ticket belongs to a different event", "Direct the guest to the correct entrance or event"},
	REJECT_INVALID:             {"Ticket could not be read", "Ask the guest to present the code again or enter it manually"},
	REJECT_EXPIRED:             {"Offline ticket list is too old to trust", "Restore connectivity and refresh before admitting"},
	REJECT_TAMPERED:            {"Ticket signature is not valid", "Do not admit; escalate to security"},
	REJECT_NOT_FOUND:           {"Ticket not found", "Verify the code with the guest or the box office"},
	REJECT_OFFLINE_UNKNOWN:     {"Ticket unknown while offline", "Connectivity issue: hold the guest until the device is back online"},
	REJECT_STORAGE_UNAVAILABLE: {"Device storage unavailable", "Switch to another device; scans cannot be recorded here"},
}

// Message is the operator-facing text for the rejection.
func (r RejectReason) Message() string {
	if m, ok := rejectMessages[r]; ok {
		return m[0]
	}
	return string(r)
}

// Action is the recommended operator action for the rejection.
func (r RejectReason) Action() string {
	if m, ok := rejectMessages[r]; ok {
		return m[1]
	}
	return ""
}

type Outcome string

const (
	OUTCOME_ACCEPT Outcome = "accept"
	OUTCOME_REJECT Outcome = "reject"
)

// TokenInfo is the admissible subset of an AdmissionToken that travels over
// the wire and lives in the device cache.
type TokenInfo struct {
	ID              uint        `json:"id"`
	EventID         uint        `json:"event_id"`
	Token           string      `json:"token"`
	Signature       string      `json:"signature,omitempty"`
	Kind            TokenKind   `json:"kind"`
	Status          TokenStatus `json:"status"`
	ReentryAllowed  bool        `json:"reentry_allowed"`
	HolderName      string      `json:"holder_name,omitempty"`
	ScannedAt       *time.Time  `json:"scanned_at,omitempty"`
	ScannedByDevice string      `json:"scanned_by_device,omitempty"`
	ScannedBy       string      `json:"scanned_by,omitempty"`
	ReservationID   *uint       `json:"reservation_id,omitempty"`
	GuestCount      uint        `json:"guest_count,omitempty"`
	CheckedInGuests uint        `json:"checked_in_guests,omitempty"`
}

// PriorScan describes the scan that consumed a ticket, for operator display.
type PriorScan struct {
	StaffID   string     `json:"staff_id,omitempty"`
	DeviceID  string     `json:"device_id,omitempty"`
	ScannedAt *time.Time `json:"scanned_at,omitempty"`
}

type Decision struct {
	ID              string        `json:"id"`
	Outcome         Outcome       `json:"outcome"`
	Reentry         bool          `json:"reentry,omitempty"`
	Reason          RejectReason  `json:"reason,omitempty"`
	Mode            Mode          `json:"mode"`
	Channel         Channel       `json:"channel"`
	Identifier      string        `json:"identifier,omitempty"`
	EventID         uint          `json:"event_id"`
	DeviceID        string        `json:"device_id"`
	Token           *TokenInfo    `json:"token,omitempty"`
	Prior           *PriorScan    `json:"prior,omitempty"`
	LastEntryAt     *time.Time    `json:"last_entry_at,omitempty"`
	CheckedInGuests uint          `json:"checked_in_guests,omitempty"`
	GuestCount      uint          `json:"guest_count,omitempty"`
	DecidedAt       time.Time     `json:"decided_at"`
	Latency         time.Duration `json:"-"`
}

func (d Decision) Accepted() bool {
	return d.Outcome == OUTCOME_ACCEPT
}

// Label is used for metrics and logs: accept, reentry or the reject reason.
func (d Decision) Label() string {
	if d.Accepted() {
		if d.Reentry {
			return "reentry"
		}
		return "accept"
	}
	return string(d.Reason)
}

type ScanMeta struct {
	ReservationID *uint    `json:"reservationId,omitempty"`
	PassID        *uint    `json:"passId,omitempty"`
	Latitude      *float64 `json:"lat,omitempty"`
	Longitude     *float64 `json:"lng,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	Proxy         bool     `json:"proxy,omitempty"`
	VPN           bool     `json:"vpn,omitempty"`
}

// ScanInput is a parsed scan: a bare identifier for manual entry or a
// structured payload for camera/NFC reads.
type ScanInput struct {
	Channel    Channel  `json:"channel"`
	Raw        string   `json:"-"`
	Identifier string   `json:"identifier"`
	Signature  string   `json:"signature,omitempty"`
	Meta       ScanMeta `json:"meta"`
	Structured bool     `json:"structured"`
}

func (s ScanInput) IsVIP() bool {
	return s.Meta.ReservationID != nil
}

func (s ScanInput) Manual() bool {
	return s.Channel == CHANNEL_MANUAL
}

// RawInput is what a camera, NFC reader or keyboard hands to the scan loop.
type RawInput struct {
	Channel    Channel
	Payload    string
	ReceivedAt time.Time
}

// EventContext carries the explicitly selected event and the device identity
// into every decision.
type EventContext struct {
	EventID     uint
	DeviceID    string
	StaffID     string
	Fingerprint string
	Now         time.Time
}

// ScanRecord is the audit/fraud view of a decision.
type ScanRecord struct {
	DecisionID  string       `json:"decision_id"`
	TokenID     uint         `json:"token_id,omitempty"`
	Token       string       `json:"token,omitempty"`
	EventID     uint         `json:"event_id"`
	DeviceID    string       `json:"device_id" binding:"required"`
	StaffID     string       `json:"staff_id,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Channel     Channel      `json:"channel" binding:"required,scanchannel"`
	Mode        Mode         `json:"mode"`
	Accepted    bool         `json:"accepted"`
	Reentry     bool         `json:"reentry,omitempty"`
	Reason      RejectReason `json:"reason,omitempty"`
	ScannedAt   time.Time    `json:"scanned_at"`
	Latitude    *float64     `json:"lat,omitempty"`
	Longitude   *float64     `json:"lng,omitempty"`
	Proxy       bool         `json:"proxy,omitempty"`
	VPN         bool         `json:"vpn,omitempty"`
}

// Subject is the key used to correlate scans of the same ticket.
func (r ScanRecord) Subject() string {
	if r.Token != "" {
		return r.Token
	}
	return r.DecisionID
}

type RiskSignal struct {
	Check  string `json:"check"`
	Weight int    `json:"weight"`
	Detail string `json:"detail,omitempty"`
}

type RiskScore struct {
	Score       int          `json:"score"`
	Signals     []RiskSignal `json:"signals,omitempty"`
	Record      ScanRecord   `json:"record"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

type SyncResult struct {
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
	Retrying int `json:"retrying"`
}

func (r SyncResult) Total() int {
	return r.Synced + r.Failed + r.Conflict + r.Retrying
}

func (r *SyncResult) Add(o SyncResult) {
	r.Synced += o.Synced
	r.Failed += o.Failed
	r.Conflict += o.Conflict
	r.Retrying += o.Retrying
}
