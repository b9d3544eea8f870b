// Package config loads the process-wide, immutable configuration object
// from environment variables once at startup (spec.md §6.5, §9 "Global
// state ... loaded once into an immutable process-wide configuration
// object; subsequent reads are lock-free"). Defaults mirror the Python
// original's env-driven dataclasses (execution_service.py,
// live_control.py, cost_gate.py, position_manager.py, reconciliation.py).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root, read-once configuration snapshot for the runner.
type Config struct {
	DryRun          bool
	KillSwitch      bool
	MaxPositionUSD  float64
	MaxLeverage     float64
	WalletAddress   string
	RPCURL          string
	RuntimeDir      string
	QueueCapacity   int
	ReconcileEvery  time.Duration
	HeartbeatEvery  time.Duration
	PositionEvery   time.Duration
	SubmitTimeout   time.Duration
	MaxRequestScan  int
	IDLPath         string
	ExpectedIDLHash string
}

// Load reads a .env file if present (ignored if absent, matching the
// teacher's godotenv.Load() best-effort usage) then builds Config from
// the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DryRun:          envBool("PERPS_DRY_RUN", true),
		KillSwitch:      envBool("PERPS_KILL_SWITCH", false),
		MaxPositionUSD:  envFloat("PERPS_MAX_POSITION_SIZE_USD", 10000),
		MaxLeverage:     envFloat("PERPS_MAX_LEVERAGE", 20.0),
		WalletAddress:   os.Getenv("PERPS_WALLET_ADDRESS"),
		RPCURL:          envString("PERPS_RPC_URL", "https://api.mainnet-beta.solana.com"),
		RuntimeDir:      envString("PERPS_RUNTIME_DIR", defaultRuntimeDir()),
		QueueCapacity:   envInt("PERPS_QUEUE_CAPACITY", 256),
		ReconcileEvery:  envSeconds("PERPS_RECONCILE_INTERVAL_SECONDS", 10),
		HeartbeatEvery:  envSeconds("PERPS_HEARTBEAT_INTERVAL_SECONDS", 30),
		PositionEvery:   envSeconds("PERPS_POSITION_MONITOR_INTERVAL_SECONDS", 2),
		SubmitTimeout:   envSeconds("PERPS_SUBMIT_TIMEOUT_SECONDS", 60),
		MaxRequestScan:  envInt("PERPS_MAX_REQUEST_SCAN", 64),
		IDLPath:         os.Getenv("PERPS_IDL_PATH"),
		ExpectedIDLHash: os.Getenv("PERPS_EXPECTED_IDL_HASH"),
	}
}

func defaultRuntimeDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return xdg + "/perpsd"
	}
	home, _ := os.UserHomeDir()
	return home + "/.local/state/perpsd"
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

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}
