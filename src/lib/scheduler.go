package lib

import (
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

var (
	scheduler   gocron.Scheduler
	schedulerMu sync.Mutex
	clock       clockwork.Clock = clockwork.NewRealClock()
)

// GetClock returns the clock shared by the scheduler and time-dependent components.
func GetClock() clockwork.Clock {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	return clock
}

// NewClock replaces the shared clock. It must be called before GetScheduler.
func NewClock(c clockwork.Clock) {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	clock = c
}

func NewScheduler(s gocron.Scheduler) {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	scheduler = s
}

func GetScheduler() (gocron.Scheduler, error) {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	if scheduler != nil {
		return scheduler, nil
	}
	sched, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		log.Printf("Error initializing Scheduler: %s\n", err.Error())
		return nil, err
	}
	scheduler = sched
	return sched, nil
}

// CreateDurationJob runs handler every duration. Runs never overlap: a slow
// run pushes the next one back instead of stacking up.
func CreateDurationJob(name string, duration time.Duration, handler any, args ...any) (*string, error) {
	sched, err := GetScheduler()
	if err != nil {
		log.Println("An error has occurred. Check logs for info")
		return nil, err
	}
	j, err := sched.NewJob(
		gocron.DurationJob(duration),
		gocron.NewTask(handler, args...),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	id := j.ID().String()
	log.Printf("Job: %s %s every %s\n", id, j.Name(), duration)
	return &id, nil
}

func StopScheduler() {
	schedulerMu.Lock()
	sched := scheduler
	scheduler = nil
	schedulerMu.Unlock()
	if sched == nil {
		return
	}
	if err := sched.Shutdown(); err != nil {
		log.Printf("An error has occurred while stopping Scheduler: %s\n", err.Error())
	}
}
