package orchestrator

import "time"

// TierHit names which tier answered a read, or TierNone on a miss.
type TierHit string

const (
	TierL1   TierHit = "l1"
	TierL2   TierHit = "l2"
	TierL3   TierHit = "l3"
	TierNone TierHit = "none"
)

// OperationResult is returned by every public orchestrator call. No
// public method raises; callers distinguish outcomes through this value
// alone.
type OperationResult struct {
	Success  bool
	Value    any
	TierHit  TierHit
	Hit      bool
	Elapsed  time.Duration
	Metadata map[string]any
}

// GetOptions selects which tiers a read may consult, in L1→L2→L3 order.
type GetOptions struct {
	UseL1 bool
	UseL2 bool
	UseL3 bool
}

// DefaultGetOptions consults every enabled tier.
func DefaultGetOptions() GetOptions {
	return GetOptions{UseL1: true, UseL2: true, UseL3: true}
}

// WriteOptions selects which tiers a write targets and how it's treated
// by TTL/coherency policy.
type WriteOptions struct {
	WriteL1 bool
	WriteL2 bool
	WriteL3 bool
	// Hot flags the value as worth keeping in L2 longer (the hot-data TTL
	// multiplier), typically set after observing frequent L1 promotion.
	Hot bool
}

// DefaultWriteOptions targets every enabled tier, with no hot-data
// extension.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{WriteL1: true, WriteL2: true, WriteL3: true}
}

// DeleteOptions selects which tiers a delete targets.
type DeleteOptions struct {
	FromL1 bool
	FromL2 bool
	FromL3 bool
}

// DefaultDeleteOptions targets every enabled tier.
func DefaultDeleteOptions() DeleteOptions {
	return DeleteOptions{FromL1: true, FromL2: true, FromL3: true}
}
