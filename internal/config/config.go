// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "time"

// Config is the fully-resolved runtime configuration, assembled by Load
// from defaults, an optional YAML file, and environment variables.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Watch     WatchConfig     `koanf:"watch"`
	Queue     QueueConfig     `koanf:"queue"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Security  SecurityConfig  `koanf:"security"`
	Functions FunctionsConfig `koanf:"functions"`
}

// ServerConfig controls the primary listening port and the base from
// which per-service ports are allocated .
type ServerConfig struct {
	// Port is the primary port: serves the management namespace and,
	// for single-port dialects, the dispatcher itself.
	Port int `koanf:"port"`

	// Host is the bind address for every listener.
	Host string `koanf:"host"`

	// PortBase is the first port handed to a provider that needs its
	// own listener; subsequent providers are allocated PortBase+1, +2, ...
	// in a fixed order (function, queue, object, kv, pubsub, event bus,
	// workflow, identity), then one port per API gateway in declaration
	// order.
	PortBase int `koanf:"port_base"`

	// Persist controls whether kv and queue state survives a restart:
	// false opens those two backends in memory only. The object store
	// does not read it; it always writes under DataDir/obj and never
	// wipes it, so objects survive a restart either way.
	Persist bool `koanf:"persist"`

	// DataDir is the root of the persisted state layout.
	DataDir string `koanf:"data_dir"`

	// ShutdownTimeout is loaded and defaulted but not read by the
	// orchestrator, which caps each provider's Stop at a fixed 30s.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// EventualConsistencyDelayMs artificially delays stream dispatch
	// (event-source wiring) to emulate eventual consistency.
	EventualConsistencyDelayMs int `koanf:"eventual_consistency_delay_ms"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// WatchConfig configures the optional re-synth watcher that reloads a
// cloud assembly from disk when its source files change.
type WatchConfig struct {
	Enabled bool     `koanf:"enabled"`
	Include []string `koanf:"include"`
	Exclude []string `koanf:"exclude"`
}

// QueueConfig holds defaults applied to a message queue provider when
// its resource properties don't override them.
type QueueConfig struct {
	DefaultVisibilityTimeout time.Duration `koanf:"default_visibility_timeout"`
	DefaultMaxReceiveCount   int           `koanf:"default_max_receive_count"`
	PollInterval             time.Duration `koanf:"poll_interval"`
	PollBackoffMax           time.Duration `koanf:"poll_backoff_max"`
}

// DatabaseConfig controls the embedded SQL engine backing the KV store.
type DatabaseConfig struct {
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// NATSConfig controls the embedded NATS server backing pub/sub topics
// and the event bus transport.
type NATSConfig struct {
	EmbeddedServer bool   `koanf:"embedded_server"`
	URL            string `koanf:"url"`
	StoreDir       string `koanf:"store_dir"`
}

// SecurityConfig controls the local identity pool and API gateway
// authorizer.
type SecurityConfig struct {
	JWTSecret      string        `koanf:"jwt_secret"`
	TokenTTL       time.Duration `koanf:"token_ttl"`
	CasbinModel    string        `koanf:"casbin_model"`
	CasbinPolicy   string        `koanf:"casbin_policy"`
	DefaultRole    string        `koanf:"default_role"`
	AutoReload     bool          `koanf:"auto_reload"`
	ReloadInterval time.Duration `koanf:"reload_interval"`
}

// FunctionsConfig controls the function runtime's subprocess execution
// strategy.
type FunctionsConfig struct {
	DefaultTimeout  time.Duration `koanf:"default_timeout"`
	KillGracePeriod time.Duration `koanf:"kill_grace_period"`
	BreakerMaxFails uint32        `koanf:"breaker_max_fails"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}
