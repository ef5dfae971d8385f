// Package config loads qcore configuration via Viper from TOML files and
// QCORE_-prefixed environment variables.
package config

// Config represents the full qcore configuration
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Decay    DecayConfig    `mapstructure:"decay"`
	Entangle EntangleConfig `mapstructure:"entangle"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Events   EventsConfig   `mapstructure:"events"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
}

// RegistryConfig configures the handle registry
type RegistryConfig struct {
	// TransferThreshold is the minimum coherence required to transfer
	// (teleport) a handle. Transfers below it fail with insufficient coherence.
	TransferThreshold float64 `mapstructure:"transfer_threshold"`

	// MeasuredCoherence is the terminal coherence value forced by measurement
	MeasuredCoherence float64 `mapstructure:"measured_coherence"`
}

// DecayConfig configures the decoherence scheduler
type DecayConfig struct {
	TickIntervalMs int `mapstructure:"tick_interval_ms"` // How often the decay loop runs (default: 100ms)

	// Rate is the base exponential decay rate per second of simulated time
	Rate float64 `mapstructure:"rate"`

	// Noise is the environmental-noise multiplier applied on top of Rate (0 = ideal isolation)
	Noise float64 `mapstructure:"noise"`

	// DecoheringThreshold is the coherence level below which a handle
	// transitions Coherent -> Decohering
	DecoheringThreshold float64 `mapstructure:"decohering_threshold"`

	// DecoherentThreshold is the coherence level below which a handle is
	// irreversibly Decoherent and released
	DecoherentThreshold float64 `mapstructure:"decoherent_threshold"`
}

// ConflictPolicy decides what happens when entangle() is requested on a
// handle that already belongs to another system.
type ConflictPolicy string

const (
	// ConflictReject fails the request with an already-entangled error
	ConflictReject ConflictPolicy = "reject"
	// ConflictMerge unions the systems under the existing system's id
	ConflictMerge ConflictPolicy = "merge"
)

// EntangleConfig configures the entanglement manager
type EntangleConfig struct {
	ConflictPolicy  ConflictPolicy `mapstructure:"conflict_policy"`
	DefaultFidelity float64        `mapstructure:"default_fidelity"`
	DefaultStrength float64        `mapstructure:"default_strength"`
}

// LedgerConfig configures the distributed coherence ledger
type LedgerConfig struct {
	// DefaultGrant is the budget granted to sessions opened without an
	// explicit grant
	DefaultGrant float64 `mapstructure:"default_grant"`

	// CostPerHop scales distributed operation cost by distance
	CostPerHop float64 `mapstructure:"cost_per_hop"`
}

// EventsConfig configures the notification bus
type EventsConfig struct {
	// Buffer is the per-subscriber channel capacity. A subscriber whose
	// buffer is full has events dropped rather than blocking other
	// subscribers.
	Buffer int `mapstructure:"buffer"`
}

// StoreConfig configures optional persistence
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite path; empty disables persistence
}

// ServerConfig configures the diagnostics HTTP/WebSocket server
type ServerConfig struct {
	Addr string `mapstructure:"addr"`

	// EventRatePerSecond throttles websocket event delivery per client
	// (0 = unlimited)
	EventRatePerSecond float64 `mapstructure:"event_rate_per_second"`
}
