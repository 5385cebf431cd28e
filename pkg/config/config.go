// Package config loads the bus's process-level settings (spec.md §6.6):
// environment variables for the options read once at startup, plus YAML
// files for the alert-threshold table and breaker policy set that are
// naturally data rather than flags. Grounded on the teacher's
// pkg/config/config.go (env-var Load with defaults) and
// pkg/config/profile_loader.go (YAML-file loading via gopkg.in/yaml.v3).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dislovelhl/acgs2/pkg/fingerprint"
)

// Config holds the recognized options of spec.md §6.6.
type Config struct {
	FingerprintExpected string
	FailClosed          bool

	ImpactThresholdInitial float64
	ImpactThresholdMin     float64
	ImpactThresholdMax     float64

	DeliberationQueueCapacity int
	HandlerDeadlineMs         int
	MessageDeadlineMs         int

	BreakerFailureThreshold int64
	BreakerCooldownMs       int
	BreakerProbeCount       int64

	SIEMQueueCapacity  int
	SIEMDropOnOverflow bool
	SIEMFormat         string
	SIEMBatchSize      int
	SIEMFlushMs        int

	CacheAuthzTTLSeconds         int
	CachePolicyVersionTTLSeconds int

	AgentEvictionAfterMs int
	ShutdownDeadlineMs   int

	RedisAddr string
	OPAURL    string
}

// Default returns the option defaults spec.md §6.6 specifies.
func Default() *Config {
	return &Config{
		FailClosed:                   true,
		ImpactThresholdInitial:       0.8,
		ImpactThresholdMin:           0.5,
		ImpactThresholdMax:           0.95,
		DeliberationQueueCapacity:    10_000,
		HandlerDeadlineMs:            1000,
		MessageDeadlineMs:            5000,
		BreakerFailureThreshold:      5,
		BreakerCooldownMs:            30_000,
		BreakerProbeCount:            3,
		SIEMQueueCapacity:            10_000,
		SIEMDropOnOverflow:           true,
		SIEMFormat:                   "JSON",
		SIEMBatchSize:                100,
		SIEMFlushMs:                  1000,
		CacheAuthzTTLSeconds:         900,
		CachePolicyVersionTTLSeconds: 3600,
		AgentEvictionAfterMs:         90_000,
		ShutdownDeadlineMs:           10_000,
	}
}

// Load builds a Config from environment variables, falling back to
// Default()'s values for anything unset. FingerprintExpected is required;
// Load returns an error if it is missing or malformed so the process fails
// fast rather than starting in an un-governable state.
func Load() (*Config, error) {
	c := Default()

	c.FingerprintExpected = os.Getenv("AGENTBUS_FINGERPRINT_EXPECTED")
	if c.FingerprintExpected == "" {
		return nil, fmt.Errorf("config: AGENTBUS_FINGERPRINT_EXPECTED is required")
	}
	if !fingerprint.Valid(c.FingerprintExpected) {
		return nil, fmt.Errorf("config: AGENTBUS_FINGERPRINT_EXPECTED must be 16 lowercase hex characters")
	}

	c.FailClosed = envBool("AGENTBUS_FAIL_CLOSED", c.FailClosed)
	c.ImpactThresholdInitial = envFloat("AGENTBUS_IMPACT_THRESHOLD_INITIAL", c.ImpactThresholdInitial)
	c.DeliberationQueueCapacity = envInt("AGENTBUS_DELIBERATION_QUEUE_CAPACITY", c.DeliberationQueueCapacity)
	c.HandlerDeadlineMs = envInt("AGENTBUS_HANDLER_DEADLINE_MS", c.HandlerDeadlineMs)
	c.MessageDeadlineMs = envInt("AGENTBUS_MESSAGE_DEADLINE_MS", c.MessageDeadlineMs)
	c.BreakerFailureThreshold = int64(envInt("AGENTBUS_BREAKER_FAILURE_THRESHOLD", int(c.BreakerFailureThreshold)))
	c.BreakerCooldownMs = envInt("AGENTBUS_BREAKER_COOLDOWN_MS", c.BreakerCooldownMs)
	c.BreakerProbeCount = int64(envInt("AGENTBUS_BREAKER_PROBE_COUNT", int(c.BreakerProbeCount)))
	c.SIEMQueueCapacity = envInt("AGENTBUS_SIEM_QUEUE_CAPACITY", c.SIEMQueueCapacity)
	c.SIEMDropOnOverflow = envBool("AGENTBUS_SIEM_DROP_ON_OVERFLOW", c.SIEMDropOnOverflow)
	c.SIEMFormat = envString("AGENTBUS_SIEM_FORMAT", c.SIEMFormat)
	c.SIEMBatchSize = envInt("AGENTBUS_SIEM_BATCH_SIZE", c.SIEMBatchSize)
	c.SIEMFlushMs = envInt("AGENTBUS_SIEM_FLUSH_MS", c.SIEMFlushMs)
	c.CacheAuthzTTLSeconds = envInt("AGENTBUS_CACHE_AUTHZ_TTL_S", c.CacheAuthzTTLSeconds)
	c.CachePolicyVersionTTLSeconds = envInt("AGENTBUS_CACHE_POLICY_VERSION_TTL_S", c.CachePolicyVersionTTLSeconds)
	c.AgentEvictionAfterMs = envInt("AGENTBUS_AGENT_EVICTION_AFTER_MS", c.AgentEvictionAfterMs)
	c.ShutdownDeadlineMs = envInt("AGENTBUS_SHUTDOWN_DEADLINE_MS", c.ShutdownDeadlineMs)
	c.RedisAddr = envString("AGENTBUS_REDIS_ADDR", "")
	c.OPAURL = envString("AGENTBUS_OPA_URL", "")

	return c, nil
}

func (c *Config) MessageDeadline() time.Duration  { return time.Duration(c.MessageDeadlineMs) * time.Millisecond }
func (c *Config) HandlerDeadline() time.Duration  { return time.Duration(c.HandlerDeadlineMs) * time.Millisecond }
func (c *Config) BreakerCooldown() time.Duration  { return time.Duration(c.BreakerCooldownMs) * time.Millisecond }
func (c *Config) SIEMFlushInterval() time.Duration { return time.Duration(c.SIEMFlushMs) * time.Millisecond }
func (c *Config) AgentEvictionAfter() time.Duration {
	return time.Duration(c.AgentEvictionAfterMs) * time.Millisecond
}
func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownDeadlineMs) * time.Millisecond
}
func (c *Config) CacheAuthzTTL() time.Duration {
	return time.Duration(c.CacheAuthzTTLSeconds) * time.Second
}
func (c *Config) CachePolicyVersionTTL() time.Duration {
	return time.Duration(c.CachePolicyVersionTTLSeconds) * time.Second
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
