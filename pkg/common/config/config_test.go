package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOSPITAL_FETCH_TIMEOUT", "")
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 3*time.Second, cfg.HospitalFetchTimeout)
	assert.Equal(t, 100, cfg.AuditDefaultLimit)
	assert.Equal(t, 1000, cfg.AuditMaxLimit)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HOSPITAL_FETCH_TIMEOUT", "750ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("AUDIT_MAX_LIMIT", "not-a-number")

	cfg := Load()

	assert.Equal(t, 750*time.Millisecond, cfg.HospitalFetchTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1000, cfg.AuditMaxLimit)
}
