package boot

import (
	"context"
	"errors"
	"gatekeeper/src/cache"
	"gatekeeper/src/common"
	"gatekeeper/src/config"
	"gatekeeper/src/coordinator"
	"gatekeeper/src/db"
	"gatekeeper/src/engine"
	"gatekeeper/src/fraud"
	"gatekeeper/src/lib"
	"gatekeeper/src/models"
	"gatekeeper/src/signature"
	"gatekeeper/src/syncqueue"
	"gatekeeper/src/types"
	"log"
	"os"

	"gorm.io/gorm"
)

func InitDb() *gorm.DB {
	db := db.GetDb()

	err := db.AutoMigrate(
		&models.VipReservation{},
		&models.AdmissionToken{},
		&models.Admission{},
		&models.ScanSubmission{},
		&models.ScanLog{},
	)
	if err != nil {
		log.Fatalf("error migration: %s", err.Error())
	}

	return db
}

// InitLocalDb opens and migrates the device-local store.
func InitLocalDb() (*gorm.DB, error) {
	local, err := db.GetLocalDb()
	if err != nil {
		return nil, err
	}
	if err := local.AutoMigrate(
		&models.CachedToken{},
		&models.CacheMeta{},
		&models.ScanEvent{},
	); err != nil {
		log.Printf("error local migration: %s\n", err.Error())
		return nil, err
	}
	return local, nil
}

func InitScheduler() {
	sched, err := lib.GetScheduler()
	if err != nil {
		log.Println("An error has occurred. Check logs for info")
		return
	}
	log.Println("Jobs in queue:", len(sched.Jobs()))
	sched.Start()
}

func StopScheduler() {
	lib.StopScheduler()
}

// Alerts returns the operator alert sink, or nil when pusher is not configured.
func Alerts() *lib.PusherAlerts {
	if os.Getenv("PUSHER_APP_ID") == "" {
		return nil
	}
	return &lib.PusherAlerts{Channel: lib.OperatorsChannel}
}

// InitFraud starts a scoring pipeline over history.
func InitFraud(ctx context.Context, history fraud.History) *fraud.Pipeline {
	var alerts fraud.AlertSink
	if a := Alerts(); a != nil {
		alerts = a
	}
	p := fraud.NewPipeline(fraud.NewScorer(history, lib.GetClock()), alerts, config.FRAUD_QUEUE_SIZE)
	p.Start(ctx, config.FRAUD_WORKERS)
	return p
}

// InitBroker feeds the scan log topics into the audit trail and fraud
// scoring. It is a no-op without a broker.
func InitBroker(ctx context.Context, store common.LogStore, risk common.RiskSink) {
	if os.Getenv("KAFKA_BROKER") == "" {
		log.Println("KAFKA_BROKER is not set, scan log consumer disabled")
		return
	}
	go lib.KafkaCreateTopics(lib.TopicScans, lib.TopicScansFailed)
	if err := common.ScanLogConsumer(ctx, store, risk); err != nil {
		log.Printf("Error starting scan log consumer: %s\n", err.Error())
	}
}

// Coordinator wires the authoritative store and its fraud pipeline.
type Coordinator struct {
	Store     *coordinator.Store
	Authority *coordinator.HMACAuthority
	Fraud     *fraud.Pipeline
}

func InitCoordinator(ctx context.Context) (*Coordinator, error) {
	if config.API_SIGNING_SECRET == "" {
		return nil, errors.New("API_SIGNING_SECRET is not set")
	}
	gdb := InitDb()
	var history fraud.History = fraud.NewMemoryHistory(lib.GetClock())
	rdb := lib.GetRedisClient()
	if rdb != nil {
		history = fraud.NewRedisHistory(rdb)
	}
	c := &Coordinator{
		Store:     coordinator.NewStore(gdb, rdb).WithClock(lib.GetClock()),
		Authority: coordinator.NewHMACAuthority(config.API_SIGNING_SECRET),
	}
	c.Fraud = InitFraud(ctx, history)
	InitBroker(ctx, c.Store, c.Fraud)
	return c, nil
}

// Device is the scanning runtime: one engine, one scan loop, one queue.
type Device struct {
	Client  *coordinator.HTTPClient
	Cache   *cache.Store
	Queue   *syncqueue.Queue
	Driver  *syncqueue.Driver
	Fresh   *cache.Refresher
	Engine  *engine.Engine
	Scanner *engine.Scanner
	Fraud   *fraud.Pipeline
}

func InitDevice(ctx context.Context) (*Device, error) {
	if config.DEVICE_ID == "" {
		return nil, errors.New("DEVICE_ID is not set")
	}
	if config.EVENT_ID == 0 {
		return nil, errors.New("EVENT_ID is not set")
	}
	local, err := InitLocalDb()
	if err != nil {
		return nil, err
	}
	clock := lib.GetClock()
	client := coordinator.NewHTTPClient(config.COORDINATOR_URL, config.DEVICE_TOKEN)
	client.Ping(ctx)

	store := cache.NewStore(local, client, clock)
	if err := store.Load(); err != nil {
		log.Printf("Error loading offline cache: %s\n", err.Error())
	}
	if client.Online() {
		rctx, cancel := context.WithTimeout(ctx, config.RPC_TIMEOUT)
		if err := store.Refresh(rctx, config.EVENT_ID); err != nil {
			log.Printf("Error refreshing offline cache: %s\n", err.Error())
		}
		cancel()
	}

	queue := syncqueue.New(local, client, clock)
	if a := Alerts(); a != nil {
		queue = queue.WithAlerts(a)
	}
	d := &Device{
		Client: client,
		Cache:  store,
		Queue:  queue,
		Driver: syncqueue.NewDriver(queue, client),
		Fresh:  cache.NewRefresher(store, client, config.EVENT_ID),
		Fraud:  InitFraud(ctx, fraud.NewMemoryHistory(clock)),
	}

	var sink engine.LogSink = client
	if os.Getenv("KAFKA_BROKER") != "" {
		sink = lib.KafkaLogSink{}
	}
	d.Engine = engine.NewEngine(client, signature.NewVerifier(client), store, queue).
		WithLogSink(sink).
		WithRiskSink(d.Fraud).
		WithClock(clock)
	d.Scanner = engine.NewScanner(d.Engine, client, types.EventContext{
		EventID:     config.EVENT_ID,
		DeviceID:    config.DEVICE_ID,
		StaffID:     config.STAFF_ID,
		Fingerprint: config.DEVICE_FINGERPRINT,
	}, clock)

	if err := d.Driver.Start(); err != nil {
		return nil, err
	}
	if err := client.StartHeartbeat(); err != nil {
		return nil, err
	}
	if err := d.Fresh.Start(); err != nil {
		return nil, err
	}
	if _, err := lib.CreateDurationJob("cache-evict", config.CACHE_EVICT_INTERVAL, func() {
		if n, err := store.EvictExpired(); err == nil && n > 0 {
			log.Printf("[cache] Evicted %d expired snapshots\n", n)
		}
	}); err != nil {
		return nil, err
	}
	return d, nil
}
