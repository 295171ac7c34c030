package common

import (
	"context"
	"encoding/json"
	"gatekeeper/src/types"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	logged []types.ScanRecord
}

func (s *recordingStore) LogScan(ctx context.Context, r types.ScanRecord) error {
	s.logged = append(s.logged, r)
	return nil
}

type recordingRisk struct {
	submitted []types.ScanRecord
}

func (r *recordingRisk) Submit(rec types.ScanRecord) bool {
	r.submitted = append(r.submitted, rec)
	return true
}

func TestScanLogHandler(t *testing.T) {
	store := &recordingStore{}
	risk := &recordingRisk{}
	handle := ScanLogHandler(store, risk)

	rec := types.ScanRecord{
		DecisionID: "d-1",
		Token:      "tok-1",
		EventID:    1,
		DeviceID:   "door-a",
		Channel:    types.CHANNEL_CAMERA,
		Mode:       types.MODE_ONLINE,
		Accepted:   true,
		ScannedAt:  time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)

	handle(string(b))
	handle("not json")
	handle(`{"token":"tok-2"}`)

	require.Len(t, store.logged, 1)
	assert.Equal(t, "d-1", store.logged[0].DecisionID)
	require.Len(t, risk.submitted, 1)
	assert.Equal(t, "door-a", risk.submitted[0].DeviceID)
}
