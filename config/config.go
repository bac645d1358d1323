// Package config defines the orchestrator's configuration surface and its
// validation rules, mirroring the original system's per-tier config
// dataclasses as plain Go structs.
package config

import "time"

// Consistency and Protocol mirror coherency's enums; duplicated here (as
// plain strings, not an import of coherency) so config has no dependency
// on the component it configures; the orchestrator is what wires a
// validated Config into a coherency.Config.
type (
	Protocol             = string
	ConsistencyLevel     = string
	InvalidationStrategy = string
)

const (
	ProtocolWriteThrough Protocol = "write_through"
	ProtocolWriteBehind  Protocol = "write_behind"
	ProtocolWriteBack    Protocol = "write_back"
	ProtocolInvalidate   Protocol = "invalidate"
	ProtocolBroadcast    Protocol = "broadcast"

	ConsistencyStrong   ConsistencyLevel = "strong"
	ConsistencyEventual ConsistencyLevel = "eventual"
	ConsistencyWeak     ConsistencyLevel = "weak"
	ConsistencyCausal   ConsistencyLevel = "causal"

	InvalidationImmediate    InvalidationStrategy = "immediate"
	InvalidationLazy         InvalidationStrategy = "lazy"
	InvalidationTTLBased     InvalidationStrategy = "ttl_based"
	InvalidationVersionBased InvalidationStrategy = "version_based"
)

// L1Config configures the in-process tiered memory cache.
type L1Config struct {
	TotalBytes         int64
	HotBytes           int64
	WarmBytes          int64
	ColdBytes          int64
	DefaultTTL         time.Duration
	PromotionThreshold uint64
	DemotionWindow     time.Duration
	CleanupInterval    time.Duration
}

// L2Config configures the distributed remote-store tier.
type L2Config struct {
	Enabled              bool
	Addrs                []string
	DefaultTTL           time.Duration
	MaxTTL               time.Duration
	HotDataTTLMultiplier float64
	BatchSize            int
	CompressionThreshold int

	WriteBehindEnabled       bool
	WriteBehindQueueLimit    int
	WriteBehindFlushInterval time.Duration
}

// L3Config configures the CDN/edge content tier. Requires L2Config.Enabled.
type L3Config struct {
	Enabled        bool
	Provider       string // e.g. "cloudfront"
	Bucket         string
	DistributionID string
	OriginDomain   string
	AWSRegion      string
	DefaultTTL     time.Duration
	StaticAssetTTL time.Duration
	APITTL         time.Duration
	SSLRequired    bool
}

// ClusterConfig configures multi-node sharding behavior.
type ClusterConfig struct {
	ConsistentHashing bool
	HashRingReplicas  int
	NodeID            string
}

// CoherencyConfig configures the write/invalidation propagation protocol.
type CoherencyConfig struct {
	Protocol             Protocol
	Consistency          ConsistencyLevel
	InvalidationStrategy InvalidationStrategy
	ReconcileInterval    time.Duration
	BroadcastWorkers     int
	BroadcastQueueSize   int
}

// Config is the full, pre-validated configuration the orchestrator
// accepts. Parsing it from a file/environment/flags is a concern the
// orchestrator deliberately leaves to an external collaborator.
type Config struct {
	Environment string // "development", "staging", "production"

	MultiLayerEnabled bool
	KeyPrefix         string

	L1        L1Config
	L2        L2Config
	L3        L3Config
	Cluster   ClusterConfig
	Coherency CoherencyConfig

	WarmingEnabled   bool
	WarmingBatchSize int
	PrefetchPopular  bool

	MetricsEnabled  bool
	MetricsInterval time.Duration
}

// DefaultConfig returns the baseline configuration used when a caller
// hasn't overridden a field, matching the original system's documented
// defaults.
func DefaultConfig() Config {
	return Config{
		Environment:       "development",
		MultiLayerEnabled: true,
		KeyPrefix:         "cachetier:",
		L1: L1Config{
			TotalBytes:         256 * 1024 * 1024,
			HotBytes:           64 * 1024 * 1024,
			WarmBytes:          128 * 1024 * 1024,
			ColdBytes:          64 * 1024 * 1024,
			DefaultTTL:         5 * time.Minute,
			PromotionThreshold: 5,
			DemotionWindow:     10 * time.Minute,
			CleanupInterval:    30 * time.Second,
		},
		L2: L2Config{
			Enabled:                  true,
			DefaultTTL:               30 * time.Minute,
			MaxTTL:                   24 * time.Hour,
			HotDataTTLMultiplier:     2.0,
			BatchSize:                50,
			CompressionThreshold:     1024,
			WriteBehindEnabled:       false,
			WriteBehindQueueLimit:    1000,
			WriteBehindFlushInterval: time.Second,
		},
		L3: L3Config{
			Enabled:        false,
			Provider:       "cloudfront",
			DefaultTTL:     24 * time.Hour,
			StaticAssetTTL: 30 * 24 * time.Hour,
			APITTL:         5 * time.Minute,
			SSLRequired:    true,
		},
		Cluster: ClusterConfig{
			ConsistentHashing: false,
			HashRingReplicas:  150,
		},
		Coherency: CoherencyConfig{
			Protocol:             ProtocolWriteThrough,
			Consistency:          ConsistencyEventual,
			InvalidationStrategy: InvalidationImmediate,
			ReconcileInterval:    30 * time.Second,
			BroadcastWorkers:     2,
			BroadcastQueueSize:   1000,
		},
		WarmingEnabled:   false,
		WarmingBatchSize: 50,
		PrefetchPopular:  true,
		MetricsEnabled:   true,
		MetricsInterval:  10 * time.Second,
	}
}
