package engine

import (
	"context"
	"gatekeeper/src/config"
	"gatekeeper/src/types"
	"log"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

type Decider interface {
	DecideRaw(ctx context.Context, raw types.RawInput, ec types.EventContext, mode types.Mode) types.Decision
}

// Connectivity reports whether the coordinator is currently reachable.
type Connectivity interface {
	Online() bool
}

// Scanner is the single writer between input devices and the engine. Camera,
// NFC and keyboard callbacks only send RawInput on Inputs(); decisions come
// back in order on Decisions().
type Scanner struct {
	decider  Decider
	conn     Connectivity
	ec       types.EventContext
	clock    clockwork.Clock
	debounce time.Duration

	in     chan types.RawInput
	out    chan types.Decision
	paused atomic.Bool
	seen   map[string]time.Time
}

func NewScanner(decider Decider, conn Connectivity, ec types.EventContext, clock clockwork.Clock) *Scanner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scanner{
		decider:  decider,
		conn:     conn,
		ec:       ec,
		clock:    clock,
		debounce: config.SCAN_DEBOUNCE,
		in:       make(chan types.RawInput, 16),
		out:      make(chan types.Decision, 16),
		seen:     map[string]time.Time{},
	}
}

func (s *Scanner) Inputs() chan<- types.RawInput {
	return s.in
}

func (s *Scanner) Decisions() <-chan types.Decision {
	return s.out
}

// Pause tears down the camera/NFC session, e.g. when the host loses focus.
// Reads arriving while paused are dropped. Manual entry keeps working and the
// sync driver is unaffected.
func (s *Scanner) Pause() {
	if !s.paused.Swap(true) {
		log.Println("[scanner] Paused")
	}
}

func (s *Scanner) Resume() {
	if s.paused.Swap(false) {
		log.Println("[scanner] Resumed")
	}
}

func (s *Scanner) Paused() bool {
	return s.paused.Load()
}

// Run consumes inputs until ctx is done. The decisions channel is closed on
// return.
func (s *Scanner) Run(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.in:
			if !s.accept(raw) {
				continue
			}
			mode := types.MODE_OFFLINE
			if s.conn != nil && s.conn.Online() {
				mode = types.MODE_ONLINE
			}
			ec := s.ec
			ec.Now = raw.ReceivedAt
			if ec.Now.IsZero() {
				ec.Now = s.clock.Now()
			}
			d := s.decider.DecideRaw(ctx, raw, ec, mode)
			select {
			case s.out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// accept applies pause and debounce. A payload read again within the debounce
// window is dropped and extends the window, so one continuous read of a code
// yields one decision.
func (s *Scanner) accept(raw types.RawInput) bool {
	if raw.Channel != types.CHANNEL_MANUAL && s.Paused() {
		return false
	}
	now := s.clock.Now()
	key := string(raw.Channel) + ":" + raw.Payload
	last, ok := s.seen[key]
	s.seen[key] = now
	if len(s.seen) > 256 {
		for k, t := range s.seen {
			if now.Sub(t) >= s.debounce {
				delete(s.seen, k)
			}
		}
	}
	if ok && now.Sub(last) < s.debounce {
		return false
	}
	return true
}
