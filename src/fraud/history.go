package fraud

import (
	"context"
	"encoding/json"
	"gatekeeper/src/config"
	"gatekeeper/src/types"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// History is the recent scan trail the checks look back over.
type History interface {
	Record(ctx context.Context, r types.ScanRecord) error
	TokenScans(ctx context.Context, token string, since time.Time) ([]types.ScanRecord, error)
	DeviceScans(ctx context.Context, deviceID string, since time.Time) ([]types.ScanRecord, error)
	// FirstFingerprint stores fp as the device's fingerprint if none is known
	// and returns the fingerprint first seen for the device.
	FirstFingerprint(ctx context.Context, deviceID string, fp string) (string, error)
}

// MemoryHistory keeps the trail in process, for a device scoring its own scans.
type MemoryHistory struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	window       time.Duration
	byToken      map[string][]types.ScanRecord
	byDevice     map[string][]types.ScanRecord
	fingerprints map[string]string
}

func NewMemoryHistory(clock clockwork.Clock) *MemoryHistory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryHistory{
		clock:        clock,
		window:       config.FRAUD_HISTORY_WINDOW,
		byToken:      map[string][]types.ScanRecord{},
		byDevice:     map[string][]types.ScanRecord{},
		fingerprints: map[string]string{},
	}
}

func (h *MemoryHistory) Record(ctx context.Context, r types.ScanRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.clock.Now().Add(-h.window)
	if key := r.Subject(); key != "" {
		h.byToken[key] = append(prune(h.byToken[key], cutoff), r)
	}
	h.byDevice[r.DeviceID] = append(prune(h.byDevice[r.DeviceID], cutoff), r)
	return nil
}

func (h *MemoryHistory) TokenScans(ctx context.Context, token string, since time.Time) ([]types.ScanRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return scannedSince(h.byToken[token], since), nil
}

func (h *MemoryHistory) DeviceScans(ctx context.Context, deviceID string, since time.Time) ([]types.ScanRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return scannedSince(h.byDevice[deviceID], since), nil
}

func (h *MemoryHistory) FirstFingerprint(ctx context.Context, deviceID string, fp string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if first, ok := h.fingerprints[deviceID]; ok {
		return first, nil
	}
	h.fingerprints[deviceID] = fp
	return fp, nil
}

func prune(records []types.ScanRecord, cutoff time.Time) []types.ScanRecord {
	i := 0
	for i < len(records) && records[i].ScannedAt.Before(cutoff) {
		i++
	}
	return records[i:]
}

func scannedSince(records []types.ScanRecord, since time.Time) []types.ScanRecord {
	var out []types.ScanRecord
	for _, r := range records {
		if !r.ScannedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// RedisHistory keeps the trail in sorted sets scored by scan time, so every
// coordinator instance scores against the same history.
type RedisHistory struct {
	rdb    *redis.Client
	window time.Duration
}

func NewRedisHistory(rdb *redis.Client) *RedisHistory {
	return &RedisHistory{rdb: rdb, window: config.FRAUD_HISTORY_WINDOW}
}

func TokenHistoryKey(token string) string {
	return "fraud::token:" + token
}

func DeviceHistoryKey(deviceID string) string {
	return "fraud::device:" + deviceID
}

func FingerprintKey(deviceID string) string {
	return "fraud::fingerprint:" + deviceID
}

func (h *RedisHistory) Record(ctx context.Context, r types.ScanRecord) error {
	member, err := json.Marshal(r)
	if err != nil {
		return err
	}
	score := float64(r.ScannedAt.UnixMilli())
	cutoff := "(" + strconv.FormatInt(r.ScannedAt.Add(-h.window).UnixMilli(), 10)
	keys := []string{DeviceHistoryKey(r.DeviceID)}
	if subject := r.Subject(); subject != "" {
		keys = append(keys, TokenHistoryKey(subject))
	}
	_, err = h.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.ZAdd(ctx, key, redis.Z{Score: score, Member: string(member)})
			p.ZRemRangeByScore(ctx, key, "-inf", cutoff)
			p.Expire(ctx, key, h.window)
		}
		return nil
	})
	if err != nil {
		log.Printf("[fraud] Error recording scan %s: %s\n", r.DecisionID, err.Error())
	}
	return err
}

func (h *RedisHistory) TokenScans(ctx context.Context, token string, since time.Time) ([]types.ScanRecord, error) {
	return h.rangeSince(ctx, TokenHistoryKey(token), since)
}

func (h *RedisHistory) DeviceScans(ctx context.Context, deviceID string, since time.Time) ([]types.ScanRecord, error) {
	return h.rangeSince(ctx, DeviceHistoryKey(deviceID), since)
}

func (h *RedisHistory) rangeSince(ctx context.Context, key string, since time.Time) ([]types.ScanRecord, error) {
	members, err := h.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	records := make([]types.ScanRecord, 0, len(members))
	for _, m := range members {
		var r types.ScanRecord
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			log.Printf("[fraud] Skipping unreadable history entry in %s: %s\n", key, err.Error())
			continue
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ScannedAt.Before(records[j].ScannedAt)
	})
	return records, nil
}

func (h *RedisHistory) FirstFingerprint(ctx context.Context, deviceID string, fp string) (string, error) {
	key := FingerprintKey(deviceID)
	set, err := h.rdb.SetNX(ctx, key, fp, 0).Result()
	if err != nil {
		return "", err
	}
	if set {
		return fp, nil
	}
	return h.rdb.Get(ctx, key).Result()
}
