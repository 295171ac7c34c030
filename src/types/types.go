package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Timestamps struct {
	CreatedAt time.Time      `gorm:"autoCreateTime:nano" json:"created_at,omitempty"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime:nano" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty,omitnil"`
}

type JSONB map[string]any

func (a JSONB) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *JSONB) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	return nil
}

type TokenKind string

const (
	TOKEN_KIND_GA        TokenKind = "ga"
	TOKEN_KIND_VIP_GUEST TokenKind = "vip_guest"
)

type TokenStatus string

const (
	TOKEN_VALID   TokenStatus = "valid"
	TOKEN_SCANNED TokenStatus = "scanned"
)

type ReservationStatus string

const (
	RESERVATION_PENDING    ReservationStatus = "pending"
	RESERVATION_CONFIRMED  ReservationStatus = "confirmed"
	RESERVATION_CHECKED_IN ReservationStatus = "checked_in"
	RESERVATION_COMPLETED  ReservationStatus = "completed"
	RESERVATION_CANCELLED  ReservationStatus = "cancelled"
)

type SyncStatus string

const (
	SYNC_PENDING  SyncStatus = "pending"
	SYNC_SYNCING  SyncStatus = "syncing"
	SYNC_SYNCED   SyncStatus = "synced"
	SYNC_CONFLICT SyncStatus = "conflict"
	SYNC_FAILED   SyncStatus = "failed"
)

// Terminal reports whether no further sync attempt will be made automatically.
func (s SyncStatus) Terminal() bool {
	return s == SYNC_SYNCED || s == SYNC_CONFLICT || s == SYNC_FAILED
}

// QueueKind tags records in the single offline queue.
type QueueKind string

const (
	QUEUE_GA  QueueKind = "ga"
	QUEUE_VIP QueueKind = "vip"
)

type Channel string

const (
	CHANNEL_CAMERA Channel = "camera"
	CHANNEL_NFC    Channel = "nfc"
	CHANNEL_MANUAL Channel = "manual"
)

type Mode string

const (
	MODE_ONLINE  Mode = "online"
	MODE_OFFLINE Mode = "offline"
)

type EntryType string

const (
	ENTRY_FIRST   EntryType = "first"
	ENTRY_REENTRY EntryType = "reentry"
)

type SubmissionSource string

const (
	SOURCE_ONLINE  SubmissionSource = "online"
	SOURCE_OFFLINE SubmissionSource = "offline"
)

type Environment string

const (
	Production Environment = "production"
	Test       Environment = "test"
	Local      Environment = "local"
)

type AppMode string

const (
	APP_COORDINATOR AppMode = "coordinator"
	APP_DEVICE      AppMode = "device"
)
