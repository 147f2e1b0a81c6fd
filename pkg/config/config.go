// Package config loads process configuration from the environment,
// following spec 6's defaults. Grounded on services/entry/service.go's
// envIntOr idiom (fallback env-with-default helpers), adapted here to
// the single-key form this deployment's variables need.
package config

import (
	"os"
	"strconv"
	"time"

	"shroudmesh/pkg/wire"
)

// Config is every externally-tunable value the core reads at startup.
type Config struct {
	SignalingEndpoint    string
	RoleHint             wire.Role
	WaitingPeriod        time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
	MinNodesRequired     int
	MinHops              int
	MonitorInterval      time.Duration
	RedisAddr            string
	RedisNamespace       string
	PolicyScriptPath     string
}

// Load reads every field from its environment variable, falling back to
// the spec 6 defaults when unset or unparseable.
func Load() Config {
	return Config{
		SignalingEndpoint:    envOr("SHROUDMESH_SIGNALING_ENDPOINT", ""),
		RoleHint:             roleOr("SHROUDMESH_ROLE_HINT", wire.RoleRelay),
		WaitingPeriod:        envDurationMsOr("SHROUDMESH_WAITING_PERIOD_MS", 30_000*time.Millisecond),
		ReconnectBackoff:     envDurationMsOr("SHROUDMESH_RECONNECT_BACKOFF_MS", 1_000*time.Millisecond),
		MaxReconnectAttempts: envIntOr("SHROUDMESH_MAX_RECONNECT_ATTEMPTS", 5),
		MinNodesRequired:     envIntOr("SHROUDMESH_MIN_NODES_REQUIRED", 2),
		MinHops:              envIntOr("SHROUDMESH_MIN_HOPS", 3),
		MonitorInterval:      envDurationMsOr("SHROUDMESH_MONITOR_INTERVAL_MS", 5_000*time.Millisecond),
		RedisAddr:            envOr("SHROUDMESH_REDIS_ADDR", ""),
		RedisNamespace:       envOr("SHROUDMESH_REDIS_NAMESPACE", "shroudmesh"),
		PolicyScriptPath:     envOr("SHROUDMESH_POLICY_SCRIPT", ""),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func envDurationMsOr(key string, def time.Duration) time.Duration {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return def
}

func roleOr(key string, def wire.Role) wire.Role {
	switch os.Getenv(key) {
	case string(wire.RoleEntry):
		return wire.RoleEntry
	case string(wire.RoleRelay):
		return wire.RoleRelay
	case string(wire.RoleExit):
		return wire.RoleExit
	default:
		return def
	}
}
