package fraud

import (
	"context"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/types"
	"log"
	"sync"
)

const AlertFraud = "fraud-alert"

type AlertSink interface {
	Alert(event string, payload any) error
}

// Pipeline scores scan records off the decision path. Submit never blocks;
// when the buffer is full the record is dropped.
type Pipeline struct {
	scorer    *Scorer
	alerts    AlertSink
	threshold int
	queue     chan types.ScanRecord
	onScore   func(types.RiskScore)
	wg        sync.WaitGroup
}

func NewPipeline(scorer *Scorer, alerts AlertSink, size int) *Pipeline {
	if size <= 0 {
		size = config.FRAUD_QUEUE_SIZE
	}
	return &Pipeline{
		scorer:    scorer,
		alerts:    alerts,
		threshold: config.FRAUD_ALERT_THRESHOLD,
		queue:     make(chan types.ScanRecord, size),
	}
}

// OnScore registers a callback invoked with every computed score.
func (p *Pipeline) OnScore(fn func(types.RiskScore)) *Pipeline {
	p.onScore = fn
	return p
}

func (p *Pipeline) Submit(r types.ScanRecord) bool {
	select {
	case p.queue <- r:
		return true
	default:
		return false
	}
}

// Start launches workers that run until ctx is done.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = config.FRAUD_WORKERS
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case r := <-p.queue:
					p.process(ctx, r)
				}
			}
		}()
	}
}

func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) process(ctx context.Context, r types.ScanRecord) {
	ctx, cancel := context.WithTimeout(ctx, config.RPC_TIMEOUT)
	defer cancel()
	score, err := p.scorer.Score(ctx, r)
	if err != nil {
		log.Printf("[fraud] Error scoring decision %s: %s\n", r.DecisionID, err.Error())
		return
	}
	lib.FraudScores.Observe(float64(score.Score))
	if p.onScore != nil {
		p.onScore(score)
	}
	if score.Score < p.threshold {
		return
	}
	lib.FraudAlertsTotal.Inc()
	log.Printf("[fraud] Decision %s scored %d on token %s from %s\n", r.DecisionID, score.Score, r.Subject(), r.DeviceID)
	if p.alerts == nil {
		return
	}
	if err := p.alerts.Alert(AlertFraud, score); err != nil {
		log.Printf("[fraud] Error sending alert for %s: %s\n", r.DecisionID, err.Error())
	}
}
