package database

import (
	"fmt"
	"log"

	"torrent-vault/config"
	"torrent-vault/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the process-wide connection set by InitDB.
var DB *gorm.DB

// InitDB connects with the configured driver and migrates every model.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Database.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.GetConnectionString())
	case "mysql":
		dialector = mysql.Open(cfg.Database.GetConnectionString())
	case "postgres":
		dialector = postgres.Open(cfg.Database.GetConnectionString())
	case "sqlserver":
		dialector = sqlserver.Open(cfg.Database.GetConnectionString())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	db, err := Open(dialector, cfg.Server.Env)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	DB = db
	log.Printf("Database connected successfully: %s", cfg.Database.Driver)
	return db, nil
}

// Open connects through dialector, pings and migrates.
func Open(dialector gorm.Dialector, env string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{}
	if env == "development" {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	} else {
		gormConfig.Logger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&models.SessionRecord{},
		&models.AuditEvent{},
		&models.UserPreference{},
	}

	for _, model := range models {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate model %T: %w", model, err)
		}
	}
	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func GetDB() *gorm.DB {
	return DB
}

func HealthCheck() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// GetStats reports row counts and connection pool figures.
func GetStats() map[string]interface{} {
	if DB == nil {
		return nil
	}

	stats := make(map[string]interface{})

	var sessionCount int64
	var eventCount int64

	DB.Model(&models.SessionRecord{}).Count(&sessionCount)
	DB.Model(&models.AuditEvent{}).Count(&eventCount)

	stats["sessions_count"] = sessionCount
	stats["audit_events_count"] = eventCount

	sqlDB, err := DB.DB()
	if err == nil {
		stats["max_open_connections"] = sqlDB.Stats().MaxOpenConnections
		stats["open_connections"] = sqlDB.Stats().OpenConnections
		stats["in_use"] = sqlDB.Stats().InUse
		stats["idle"] = sqlDB.Stats().Idle
	}

	return stats
}
