package fraud

import (
	"context"
	"fmt"
	"gatekeeper/src/config"
	"gatekeeper/src/types"
	"gatekeeper/src/utils"

	"github.com/jonboulle/clockwork"
)

const (
	CheckDuplicateSource = "duplicate_source"
	CheckVelocity        = "velocity"
	CheckGeoImplausible  = "geo_implausible"
	CheckFingerprint     = "fingerprint_mismatch"
	CheckProxy           = "proxy"
	CheckRapidMultiToken = "rapid_multi_token"
)

const (
	velocityScans        = 3
	rapidTokens          = 20
	maxPlausibleSpeedKmh = 300.0
	gpsJitterKm          = 1.0
)

var Weights = map[string]int{
	CheckDuplicateSource: 30,
	CheckVelocity:        20,
	CheckGeoImplausible:  25,
	CheckFingerprint:     15,
	CheckProxy:           10,
	CheckRapidMultiToken: 20,
}

type evidence struct {
	record           types.ScanRecord
	tokenScans       []types.ScanRecord
	deviceScans      []types.ScanRecord
	firstFingerprint string
}

type check struct {
	name string
	eval func(ev *evidence) (bool, string)
}

var checks = []check{
	{CheckDuplicateSource, duplicateSource},
	{CheckVelocity, velocity},
	{CheckGeoImplausible, geoImplausible},
	{CheckFingerprint, fingerprintMismatch},
	{CheckProxy, proxySignal},
	{CheckRapidMultiToken, rapidMultiToken},
}

// Scorer computes advisory risk scores. Nothing it returns may gate a scan.
type Scorer struct {
	history History
	clock   clockwork.Clock
}

func NewScorer(history History, clock clockwork.Clock) *Scorer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scorer{history: history, clock: clock}
}

// Score evaluates r against the history recorded so far, then adds r to it.
func (s *Scorer) Score(ctx context.Context, r types.ScanRecord) (types.RiskScore, error) {
	ev := &evidence{record: r}
	var err error
	if subject := r.Subject(); subject != "" {
		ev.tokenScans, err = s.history.TokenScans(ctx, subject, r.ScannedAt.Add(-config.FRAUD_HISTORY_WINDOW))
		if err != nil {
			return types.RiskScore{}, fmt.Errorf("token history: %w", err)
		}
	}
	ev.deviceScans, err = s.history.DeviceScans(ctx, r.DeviceID, r.ScannedAt.Add(-config.FRAUD_BURST_WINDOW))
	if err != nil {
		return types.RiskScore{}, fmt.Errorf("device history: %w", err)
	}
	ev.tokenScans = without(ev.tokenScans, r.DecisionID)
	ev.deviceScans = without(ev.deviceScans, r.DecisionID)
	if r.Fingerprint != "" {
		ev.firstFingerprint, err = s.history.FirstFingerprint(ctx, r.DeviceID, r.Fingerprint)
		if err != nil {
			return types.RiskScore{}, fmt.Errorf("fingerprint history: %w", err)
		}
	}
	if err := s.history.Record(ctx, r); err != nil {
		return types.RiskScore{}, fmt.Errorf("record scan: %w", err)
	}
	score := aggregate(ev)
	score.EvaluatedAt = s.clock.Now()
	return score, nil
}

// aggregate sums the weights of the checks that fire, capped at the maximum score.
func aggregate(ev *evidence) types.RiskScore {
	score := types.RiskScore{Record: ev.record}
	for _, c := range checks {
		hit, detail := c.eval(ev)
		if !hit {
			continue
		}
		w := Weights[c.name]
		score.Score += w
		score.Signals = append(score.Signals, types.RiskSignal{Check: c.name, Weight: w, Detail: detail})
	}
	if score.Score > config.FRAUD_MAX_SCORE {
		score.Score = config.FRAUD_MAX_SCORE
	}
	return score
}

func without(records []types.ScanRecord, decisionID string) []types.ScanRecord {
	out := records[:0:0]
	for _, r := range records {
		if r.DecisionID != decisionID {
			out = append(out, r)
		}
	}
	return out
}

func duplicateSource(ev *evidence) (bool, string) {
	for _, prior := range ev.tokenScans {
		if prior.DeviceID != ev.record.DeviceID {
			return true, "also scanned by " + prior.DeviceID
		}
	}
	return false, ""
}

func velocity(ev *evidence) (bool, string) {
	since := ev.record.ScannedAt.Add(-config.FRAUD_BURST_WINDOW)
	n := 1
	for _, prior := range ev.tokenScans {
		if !prior.ScannedAt.Before(since) {
			n++
		}
	}
	if n >= velocityScans {
		return true, fmt.Sprintf("%d scans within %s", n, config.FRAUD_BURST_WINDOW)
	}
	return false, ""
}

func geoImplausible(ev *evidence) (bool, string) {
	r := ev.record
	if r.Latitude == nil || r.Longitude == nil {
		return false, ""
	}
	for i := len(ev.tokenScans) - 1; i >= 0; i-- {
		prior := ev.tokenScans[i]
		if prior.Latitude == nil || prior.Longitude == nil {
			continue
		}
		km := utils.DistanceKm(*prior.Latitude, *prior.Longitude, *r.Latitude, *r.Longitude)
		if km <= gpsJitterKm {
			return false, ""
		}
		hours := r.ScannedAt.Sub(prior.ScannedAt).Hours()
		if hours <= 0 || km/hours > maxPlausibleSpeedKmh {
			return true, fmt.Sprintf("%.1fkm from previous scan", km)
		}
		return false, ""
	}
	return false, ""
}

func fingerprintMismatch(ev *evidence) (bool, string) {
	if ev.firstFingerprint == "" || ev.firstFingerprint == ev.record.Fingerprint {
		return false, ""
	}
	return true, "device fingerprint changed"
}

func proxySignal(ev *evidence) (bool, string) {
	switch {
	case ev.record.VPN:
		return true, "vpn"
	case ev.record.Proxy:
		return true, "proxy"
	}
	return false, ""
}

func rapidMultiToken(ev *evidence) (bool, string) {
	tokens := map[string]struct{}{ev.record.Subject(): {}}
	for _, prior := range ev.deviceScans {
		tokens[prior.Subject()] = struct{}{}
	}
	if len(tokens) >= rapidTokens {
		return true, fmt.Sprintf("%d tokens within %s", len(tokens), config.FRAUD_BURST_WINDOW)
	}
	return false, ""
}
