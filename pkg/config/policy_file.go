package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AlertThresholdSpec is one YAML-configured (event_type, count, window,
// level, cooldown, escalation) tuple from spec.md §6.6.
type AlertThresholdSpec struct {
	EventType            string  `yaml:"event_type"`
	Count                int     `yaml:"count"`
	WindowSeconds        int     `yaml:"window_seconds"`
	Level                string  `yaml:"level"`
	CooldownSeconds      int     `yaml:"cooldown_seconds"`
	EscalationMultiplier float64 `yaml:"escalation_multiplier"`
}

// Window returns the threshold's window as a Duration.
func (s AlertThresholdSpec) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

// Cooldown returns the threshold's cooldown as a Duration.
func (s AlertThresholdSpec) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// BreakerPolicySpec parameterizes one named dependency's circuit breaker.
type BreakerPolicySpec struct {
	Name                 string `yaml:"name"`
	FailureWindowSeconds int    `yaml:"failure_window_seconds"`
	FailureThreshold     int64  `yaml:"failure_threshold"`
	CooldownSeconds      int    `yaml:"cooldown_seconds"`
	ProbeCount           int64  `yaml:"probe_count"`
	MaxCooldownSeconds   int    `yaml:"max_cooldown_seconds"`
}

func (s BreakerPolicySpec) FailureWindow() time.Duration {
	return time.Duration(s.FailureWindowSeconds) * time.Second
}

func (s BreakerPolicySpec) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

func (s BreakerPolicySpec) MaxCooldown() time.Duration {
	return time.Duration(s.MaxCooldownSeconds) * time.Second
}

// PolicyFile is the on-disk YAML document holding alert thresholds and
// breaker policies, loaded once at startup — the data-heavy counterpart to
// Config's environment-variable options.
type PolicyFile struct {
	AlertThresholds []AlertThresholdSpec `yaml:"alert_thresholds"`
	BreakerPolicies []BreakerPolicySpec  `yaml:"breaker_policies"`
}

// LoadPolicyFile reads and parses a PolicyFile from path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy file %q: %w", path, err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("config: parse policy file %q: %w", path, err)
	}
	return &pf, nil
}

// DefaultPolicyFile returns a minimal built-in policy, used when no YAML
// file is configured — three conservative thresholds and default breaker
// policies for the registry and pdp dependencies, matching spec.md's own
// illustrative defaults.
func DefaultPolicyFile() *PolicyFile {
	return &PolicyFile{
		AlertThresholds: []AlertThresholdSpec{
			{EventType: "constitutional_hash_mismatch", Count: 1, WindowSeconds: 60, Level: "PAGE", CooldownSeconds: 300, EscalationMultiplier: 2},
			{EventType: "authentication_failure", Count: 3, WindowSeconds: 300, Level: "ESCALATE", CooldownSeconds: 300, EscalationMultiplier: 2},
			{EventType: "policy_denied", Count: 5, WindowSeconds: 300, Level: "WARN", CooldownSeconds: 180, EscalationMultiplier: 1.5},
		},
		BreakerPolicies: []BreakerPolicySpec{
			{Name: "registry", FailureThreshold: 5, CooldownSeconds: 30, ProbeCount: 3, MaxCooldownSeconds: 300},
			{Name: "pdp", FailureThreshold: 5, CooldownSeconds: 30, ProbeCount: 3, MaxCooldownSeconds: 300},
		},
	}
}
