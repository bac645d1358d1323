package config

import "fmt"

var (
	validProtocols = map[Protocol]bool{
		ProtocolWriteThrough: true, ProtocolWriteBehind: true, ProtocolWriteBack: true,
		ProtocolInvalidate: true, ProtocolBroadcast: true,
	}
	validConsistencyLevels = map[ConsistencyLevel]bool{
		ConsistencyStrong: true, ConsistencyEventual: true, ConsistencyWeak: true, ConsistencyCausal: true,
	}
	validInvalidationStrategies = map[InvalidationStrategy]bool{
		InvalidationImmediate: true, InvalidationLazy: true, InvalidationTTLBased: true, InvalidationVersionBased: true,
	}
	validEnvironments = map[string]bool{"development": true, "staging": true, "production": true}
)

// Validate checks c for internal consistency and returns every violation
// found (not just the first), so a caller can report them all at once.
func (c Config) Validate() []error {
	var errs []error

	if !validEnvironments[c.Environment] {
		errs = append(errs, fmt.Errorf("config: environment %q is not one of development/staging/production", c.Environment))
	}

	errs = append(errs, c.L1.validate()...)
	errs = append(errs, c.L2.validate()...)
	errs = append(errs, c.L3.validate(c.L2.Enabled)...)
	errs = append(errs, c.Coherency.validate(c.Environment)...)

	if c.WarmingBatchSize < 0 {
		errs = append(errs, fmt.Errorf("config: warming_batch_size cannot be negative"))
	}
	if c.MetricsEnabled && c.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: metrics_interval must be positive when metrics_enabled is true"))
	}

	return errs
}

func (c L1Config) validate() []error {
	var errs []error

	if c.TotalBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: l1.total_bytes must be positive"))
	}
	if c.HotBytes < 0 || c.WarmBytes < 0 || c.ColdBytes < 0 {
		errs = append(errs, fmt.Errorf("config: l1 band sizes cannot be negative"))
	}
	if sum := c.HotBytes + c.WarmBytes + c.ColdBytes; sum > c.TotalBytes {
		errs = append(errs, fmt.Errorf("config: l1 band sizes sum to %d, exceeding l1.total_bytes %d", sum, c.TotalBytes))
	}
	if c.PromotionThreshold == 0 {
		errs = append(errs, fmt.Errorf("config: l1.promotion_threshold must be at least 1"))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: l1.default_ttl must be positive"))
	}

	return errs
}

func (c L2Config) validate() []error {
	var errs []error
	if !c.Enabled {
		return errs
	}

	if len(c.Addrs) == 0 {
		errs = append(errs, fmt.Errorf("config: l2.addrs cannot be empty when l2 is enabled"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("config: l2.batch_size must be positive"))
	}
	if c.HotDataTTLMultiplier < 1 {
		errs = append(errs, fmt.Errorf("config: l2.hot_data_ttl_multiplier must be >= 1"))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: l2.default_ttl must be positive"))
	}
	if c.MaxTTL > 0 && c.DefaultTTL > c.MaxTTL {
		errs = append(errs, fmt.Errorf("config: l2.default_ttl exceeds l2.max_ttl"))
	}
	if c.WriteBehindEnabled && c.WriteBehindQueueLimit <= 0 {
		errs = append(errs, fmt.Errorf("config: l2.write_behind_queue_limit must be positive when write-behind is enabled"))
	}

	return errs
}

func (c L3Config) validate(l2Enabled bool) []error {
	var errs []error
	if !c.Enabled {
		return errs
	}

	if !l2Enabled {
		errs = append(errs, fmt.Errorf("config: l3.enabled requires l2.enabled"))
	}
	if c.Provider != "cloudfront" {
		errs = append(errs, fmt.Errorf("config: l3.provider %q is not a recognized provider", c.Provider))
	}
	if c.Bucket == "" {
		errs = append(errs, fmt.Errorf("config: l3.bucket is required when l3 is enabled"))
	}
	if c.OriginDomain == "" {
		errs = append(errs, fmt.Errorf("config: l3.origin_domain is required when l3 is enabled"))
	}
	if c.DistributionID == "" {
		errs = append(errs, fmt.Errorf("config: l3.distribution_id is required when l3 is enabled"))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: l3.default_ttl must be positive"))
	}
	if c.StaticAssetTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: l3.static_asset_ttl must be positive"))
	}
	if c.APITTL <= 0 {
		errs = append(errs, fmt.Errorf("config: l3.api_ttl must be positive"))
	}

	return errs
}

func (c CoherencyConfig) validate(environment string) []error {
	var errs []error

	if !validProtocols[c.Protocol] {
		errs = append(errs, fmt.Errorf("config: coherency.protocol %q is not a recognized protocol", c.Protocol))
	}
	if !validConsistencyLevels[c.Consistency] {
		errs = append(errs, fmt.Errorf("config: coherency.consistency %q is not a recognized consistency level", c.Consistency))
	}
	if !validInvalidationStrategies[c.InvalidationStrategy] {
		errs = append(errs, fmt.Errorf("config: coherency.invalidation_strategy %q is not recognized", c.InvalidationStrategy))
	}
	if environment == "production" && c.Consistency == ConsistencyWeak {
		errs = append(errs, fmt.Errorf("config: weak consistency is not permitted in production"))
	}

	return errs
}
