package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// const dsn = "host=localhost user=postgres password=password dbname=gatekeeper port=5432 sslmode=disable TimeZone=UTC"

func GetDSN() string {
	DATABASE_HOST := os.Getenv("DATABASE_HOST")
	DATABASE_PORT := os.Getenv("DATABASE_PORT")
	DATABASE_SSLMODE := os.Getenv("DATABASE_SSLMODE")
	DATABASE_TIMEZONE := os.Getenv("DATABASE_TIMEZONE")
	DATABASE_USER := os.Getenv("DATABASE_USER")
	DATABASE_PASSWORD := os.Getenv("DATABASE_PASSWORD")
	DATABASE_NAME := os.Getenv("DATABASE_NAME")
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s", DATABASE_HOST, DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME, DATABASE_PORT, DATABASE_SSLMODE, DATABASE_TIMEZONE)
	return dsn
}

// GetLocalDSN is the device-local sqlite file holding the cache and scan queue.
func GetLocalDSN() string {
	p := os.Getenv("LOCAL_DB_PATH")
	if p == "" {
		cwd, _ := os.Getwd()
		p = path.Join(cwd, "data", "device.db")
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", p)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvUint(key string, fallback uint) uint {
	v, err := strconv.ParseUint(os.Getenv(key), 10, 64)
	if err != nil {
		return fallback
	}
	return uint(v)
}

var (
	API_ENV            = getEnv("API_ENV", "local")
	APP_MODE           = getEnv("APP_MODE", "coordinator")
	PORT               = getEnv("PORT", "9090")
	JWT_SECRET         = os.Getenv("JWT_SECRET")
	API_SIGNING_SECRET = os.Getenv("API_SIGNING_SECRET")
	COORDINATOR_URL    = getEnv("COORDINATOR_URL", "http://localhost:9090")
	DEVICE_ID          = os.Getenv("DEVICE_ID")
	DEVICE_TOKEN       = os.Getenv("DEVICE_TOKEN")
	DEVICE_FINGERPRINT = os.Getenv("DEVICE_FINGERPRINT")
	STAFF_ID           = os.Getenv("STAFF_ID")
	EVENT_ID           = getEnvUint("EVENT_ID", 0)
)

const (
	// Offline cache
	CACHE_FRESHNESS_WINDOW = 5 * time.Minute
	CACHE_RETENTION        = 24 * time.Hour
	CACHE_EVICT_INTERVAL   = time.Hour
	CACHE_REFRESH_INTERVAL = time.Minute
	REFRESH_BUDGET         = 250 * time.Millisecond
	REFRESH_RETRY_INTERVAL = 30 * time.Second
	SNAPSHOT_MEMO_TTL      = 30 * time.Second

	// Scan loop
	DECISION_BUDGET        = 500 * time.Millisecond
	ONLINE_DECISION_BUDGET = 350 * time.Millisecond
	LOCAL_DECISION_RESERVE = 50 * time.Millisecond
	SCAN_DEBOUNCE          = 2500 * time.Millisecond

	// Sync queue
	SYNC_INTERVAL     = 5 * time.Second
	SYNC_BATCH_SIZE   = 5
	SYNC_MAX_ATTEMPTS = 10
	SYNC_BACKOFF_BASE = time.Second
	SYNC_BACKOFF_CAP  = 60 * time.Second
	SYNC_ROUND_BUDGET = 30 * time.Second
	SYNCED_RETENTION  = 7 * 24 * time.Hour
	RECONCILE_WINDOW  = 24 * time.Hour
	PURGE_INTERVAL    = time.Hour

	// Fraud scoring
	FRAUD_ALERT_THRESHOLD = 70
	FRAUD_MAX_SCORE       = 100
	FRAUD_HISTORY_WINDOW  = 10 * time.Minute
	FRAUD_BURST_WINDOW    = 60 * time.Second
	FRAUD_QUEUE_SIZE      = 256
	FRAUD_WORKERS         = 2

	RPC_TIMEOUT                 = 3 * time.Second
	CONNECTIVITY_CHECK_INTERVAL = 2 * time.Second
)
