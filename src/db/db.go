package db

import (
	"gatekeeper/src/config"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB
var localDb *gorm.DB

// GetDb returns the authoritative store used by the coordinator.
func GetDb() *gorm.DB {
	if db != nil {
		return db
	}
	_db, err := gorm.Open(postgres.Open(config.GetDSN()))
	if err != nil {
		log.Printf("Error connecting to database: %s\n", err.Error())
		panic(err)
	}
	sqlDB, err := _db.DB()
	if err != nil {
		log.Fatalf("Error establishing connection to database: %s\n", err.Error())
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	db = _db
	return _db
}

func NewDB(newdb *gorm.DB) {
	db = newdb
}

// GetLocalDb returns the device-local store holding cached tokens, cache
// metadata and the scan queue.
func GetLocalDb() (*gorm.DB, error) {
	if localDb != nil {
		return localDb, nil
	}
	_db, err := OpenSqlite(config.GetLocalDSN())
	if err != nil {
		log.Printf("Error opening local database: %s\n", err.Error())
		return nil, err
	}
	localDb = _db
	return _db, nil
}

func NewLocalDB(newdb *gorm.DB) {
	localDb = newdb
}

// OpenSqlite opens a sqlite database with a single connection so that local
// writes are serialized.
func OpenSqlite(dsn string) (*gorm.DB, error) {
	_db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := _db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return _db, nil
}
