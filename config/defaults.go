package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Registry defaults
	v.SetDefault("registry.transfer_threshold", 0.5) // Below this a teleport loses too much information
	v.SetDefault("registry.measured_coherence", 0.0)

	// Decay defaults
	v.SetDefault("decay.tick_interval_ms", 100)
	v.SetDefault("decay.rate", 0.05) // 5% information loss per simulated second at zero noise
	v.SetDefault("decay.noise", 0.0)
	v.SetDefault("decay.decohering_threshold", 0.7)
	v.SetDefault("decay.decoherent_threshold", 0.2)

	// Entanglement defaults
	v.SetDefault("entangle.conflict_policy", string(ConflictReject))
	v.SetDefault("entangle.default_fidelity", 0.95)
	v.SetDefault("entangle.default_strength", 1.0)

	// Ledger defaults
	v.SetDefault("ledger.default_grant", 10.0)
	v.SetDefault("ledger.cost_per_hop", 1.0)

	// Event bus defaults
	v.SetDefault("events.buffer", 256)

	// Persistence defaults (empty path = in-memory only)
	v.SetDefault("store.path", "")

	// Server defaults
	v.SetDefault("server.addr", "127.0.0.1:8790")
	v.SetDefault("server.event_rate_per_second", 200.0)
}
