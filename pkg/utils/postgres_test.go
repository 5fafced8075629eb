package utils

import (
	"testing"
	"time"
)

func TestPoolConfigDefaults(t *testing.T) {
	p := PostgresPoolConfig{}.withDefaults()
	if p.MaxOpenConns <= 0 || p.MaxIdleConns <= 0 {
		t.Fatalf("expected positive pool sizes, got %+v", p)
	}
	if p.PingTimeout <= 0 {
		t.Fatalf("expected a ping timeout, got %+v", p)
	}

	// Explicit values survive untouched.
	p = PostgresPoolConfig{MaxOpenConns: 3, PingTimeout: time.Second}.withDefaults()
	if p.MaxOpenConns != 3 || p.PingTimeout != time.Second {
		t.Fatalf("explicit values overridden: %+v", p)
	}
}
