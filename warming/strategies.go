package warming

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Strategy selects which keys to warm and in what order, given a pool of
// candidate keys (typically a Predictor's output).
type Strategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error)
}

// PlanOptions is the input to a Strategy's Plan call.
type PlanOptions struct {
	Keys     []string          // Keys to consider for warming
	Priority int               // Base priority level (0 lets the strategy derive one)
	Limit    int               // Maximum number of tasks to generate
	TTL      time.Duration     // TTL written onto every generated task; falls back to defaultPlanTTL if zero
	Metadata map[string]string // Additional strategy-specific metadata
}

// defaultPlanTTL is used when a caller doesn't set PlanOptions.TTL.
const defaultPlanTTL = time.Hour

func (o PlanOptions) ttl() time.Duration {
	if o.TTL > 0 {
		return o.TTL
	}
	return defaultPlanTTL
}

// WarmTask is a single planned cache warming operation.
type WarmTask struct {
	Key           string
	Priority      int
	EstimatedCost int
	TTL           time.Duration
	Strategy      string
	Metadata      map[string]interface{}
}

// maxSelectiveTasks caps a single selective-strategy plan, since callers
// sometimes pass an unbounded hot-key list straight from a Predictor.
const maxSelectiveTasks = 1000

// SelectiveHotKeysStrategy warms only the hottest keys, assuming the
// caller has already ordered opts.Keys by hotness (most frequent first).
// Effective when a small subset of keys accounts for most traffic.
type SelectiveHotKeysStrategy struct {
	name string
}

// NewSelectiveHotKeysStrategy returns a strategy under the name "selective".
func NewSelectiveHotKeysStrategy() Strategy {
	return &SelectiveHotKeysStrategy{name: "selective"}
}

func (s *SelectiveHotKeysStrategy) Name() string { return s.name }

func (s *SelectiveHotKeysStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := opts.Limit
	if limit <= 0 || limit > len(opts.Keys) {
		limit = len(opts.Keys)
	}
	if limit > maxSelectiveTasks {
		limit = maxSelectiveTasks
	}

	ttl := opts.ttl()
	tasks := make([]WarmTask, 0, limit)
	for i := 0; i < limit; i++ {
		key := opts.Keys[i]

		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (i * 100 / limit) // linear decrease from 100 to 0
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key),
			TTL:           ttl,
			Strategy:      s.name,
		})
	}

	return tasks, nil
}

// BreadthFirstStrategy warms hierarchically-named keys (e.g. "user:123",
// "user:123:posts", "user:123:posts:456") shallowest first, so a parent
// key is populated before its children would otherwise cascade misses.
type BreadthFirstStrategy struct {
	name string
}

// NewBreadthFirstStrategy returns a strategy under the name "breadth".
func NewBreadthFirstStrategy() Strategy {
	return &BreadthFirstStrategy{name: "breadth"}
}

func (s *BreadthFirstStrategy) Name() string { return s.name }

func (s *BreadthFirstStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	sortedKeys := make([]string, len(opts.Keys))
	copy(sortedKeys, opts.Keys)
	sort.Slice(sortedKeys, func(i, j int) bool {
		depthI, depthJ := keyDepth(sortedKeys[i]), keyDepth(sortedKeys[j])
		if depthI == depthJ {
			return sortedKeys[i] < sortedKeys[j]
		}
		return depthI < depthJ
	})

	limit := opts.Limit
	if limit <= 0 || limit > len(sortedKeys) {
		limit = len(sortedKeys)
	}

	ttl := opts.ttl()
	tasks := make([]WarmTask, 0, limit)
	for i := 0; i < limit; i++ {
		key := sortedKeys[i]
		depth := keyDepth(key)

		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (depth * 10)
			if priority < 0 {
				priority = 0
			}
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key),
			TTL:           ttl,
			Strategy:      s.name,
			Metadata:      map[string]interface{}{"depth": depth},
		})
	}

	return tasks, nil
}

// keyDepth is the number of ":"-separated segments below the root.
func keyDepth(key string) int {
	return strings.Count(key, ":")
}

// PriorityBasedStrategy scores each key as (importance * hotness) / cost
// and warms the highest scorers first, balancing how valuable a key is to
// have warm against how expensive it is to fetch.
type PriorityBasedStrategy struct {
	name string
}

// NewPriorityBasedStrategy returns a strategy under the name "priority".
func NewPriorityBasedStrategy() Strategy {
	return &PriorityBasedStrategy{name: "priority"}
}

func (s *PriorityBasedStrategy) Name() string { return s.name }

func (s *PriorityBasedStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	ttl := opts.ttl()
	tasks := make([]WarmTask, 0, len(opts.Keys))
	for i, key := range opts.Keys {
		cost := estimateFetchCost(key)

		importance := float64(len(opts.Keys)-i) / float64(len(opts.Keys))

		hotness := 1.0
		if i < len(opts.Keys)/10 {
			hotness = 2.0 // top 10% get double weight
		}

		score := (importance * hotness * 100) / float64(cost)
		priority := int(score)
		if priority > 100 {
			priority = 100
		}
		if priority < 0 {
			priority = 0
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: cost,
			TTL:           ttl,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"importance": importance,
				"hotness":    hotness,
				"score":      score,
			},
		})
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Priority > tasks[j].Priority })

	limit := opts.Limit
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// estimateFetchCost heuristically scores how expensive a cache miss on
// key would be to repopulate from origin, in milliseconds.
func estimateFetchCost(key string) int {
	cost := 50

	if len(key) > 50 {
		cost += 20
	}

	cost += keyDepth(key) * 10

	if strings.Contains(key, "report") {
		cost += 100
	}
	if strings.Contains(key, "analytics") {
		cost += 150
	}

	return cost
}
