package database

import (
	"strings"
	"testing"
)

func TestConfigDSN(t *testing.T) {
	cfg := &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "traffic",
		Password: "secret",
		Database: "traffic",
		SSLMode:  "disable",
	}

	want := "host=localhost port=5432 user=traffic password=secret dbname=traffic sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestConfigDSNCustomValues(t *testing.T) {
	cfg := &Config{
		Host:     "db.example.com",
		Port:     5433,
		User:     "admin",
		Password: "p@ss",
		Database: "metrics",
		SSLMode:  "require",
	}
	dsn := cfg.DSN()

	for _, part := range []string{"host=db.example.com", "port=5433", "dbname=metrics", "sslmode=require"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("DSN missing %q, got: %s", part, dsn)
		}
	}
}

func TestPoolUtilization(t *testing.T) {
	tests := []struct {
		inUse, maxOpen int
		want           float64
	}{
		{0, 25, 0},
		{20, 25, 0.8},
		{25, 25, 1},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := poolUtilization(tt.inUse, tt.maxOpen); got != tt.want {
			t.Errorf("poolUtilization(%d, %d) = %v, want %v", tt.inUse, tt.maxOpen, got, tt.want)
		}
	}
}
