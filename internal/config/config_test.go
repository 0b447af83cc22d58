package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "STORAGE_DRIVER", "KAFKA_BROKERS", "CANCEL_REASON_MAX", "CART_TTL", "RECONCILE_INTERVAL"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, StoragePostgres, cfg.StorageDriver)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 200, cfg.CancelReasonMax)
	assert.Equal(t, 30*24*time.Hour, cfg.CartTTL)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "Memory")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("CANCEL_REASON_MAX", "80")
	t.Setenv("PAYMENT_WORKERS", "-3")
	t.Setenv("RECONCILE_INTERVAL", "15s")
	t.Setenv("CART_TTL", "soon")

	cfg := Load()
	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 80, cfg.CancelReasonMax)
	assert.Equal(t, 4, cfg.PaymentWorkers)
	assert.Equal(t, 15*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.CartTTL)
}
