package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var migrationPath = "file://" + filepath.Join(projectRoot(), "migrations")

// projectRoot walks up from this file to the directory holding go.mod.
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			panic("go.mod not found above " + filepath.Dir(filename))
		}
		dir = parent
	}
}

// GetEnv reads key after loading the project .env file when one exists.
func GetEnv(key string) string {
	_ = godotenv.Load(filepath.Join(projectRoot(), ".env"))
	return os.Getenv(key)
}

// SetupTestDB connects to TEST_DB_URL and applies the migrations. The test is
// skipped when TEST_DB_URL is not set.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := GetEnv("TEST_DB_URL")
	if dsn == "" {
		t.Skip("TEST_DB_URL is not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	migration, err := migrate.New(migrationPath, dsn)
	if err != nil {
		t.Fatalf("failed to create migrate: %v", err)
	}
	if err := migration.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func CleanupTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	migration, err := migrate.New(migrationPath, GetEnv("TEST_DB_URL"))
	if err != nil {
		t.Fatalf("failed to create migrate: %v", err)
	}
	if err := migration.Down(); err != nil && err != migrate.ErrNoChange {
		t.Logf("Warning: failed to roll back migrations: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// SetupTestRedis connects to TEST_REDIS_URL. The test is skipped when it is not set.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := GetEnv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL is not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid TEST_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
