// Package l2 implements the distributed remote-store tier: key/value
// codec wiring over a remote.Client, TTL policy (including a hot-data
// multiplier and a hard ceiling), batched multi-key operations, and an
// optional write-behind queue.
package l2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cachetier/orchestrator/keycodec"
	"github.com/cachetier/orchestrator/remote"
	"github.com/cachetier/orchestrator/valuecodec"
)

// Config configures a Store.
type Config struct {
	BatchSize int

	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// HotDataTTLMultiplier stretches the TTL of values flagged hot by the
	// caller (frequently re-read keys worth keeping in L2 longer),
	// capped by MaxTTL.
	HotDataTTLMultiplier float64

	WriteBehindEnabled       bool
	WriteBehindQueueLimit    int
	WriteBehindFlushInterval time.Duration
}

// Store is the L2 tier. It owns no background goroutine of its own beyond
// the optional write-behind flusher, started by Start and stopped by Stop.
type Store struct {
	client remote.Client
	keys   *keycodec.Codec
	vals   *valuecodec.Codec
	cfg    Config
	wb     *writeBehind
}

// New constructs a Store over client, using keys/vals for namespacing and
// serialization (normally shared with the rest of the orchestrator).
func New(client remote.Client, keys *keycodec.Codec, vals *valuecodec.Codec, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.HotDataTTLMultiplier <= 0 {
		cfg.HotDataTTLMultiplier = 1
	}

	s := &Store{client: client, keys: keys, vals: vals, cfg: cfg}
	if cfg.WriteBehindEnabled {
		limit := cfg.WriteBehindQueueLimit
		if limit <= 0 {
			limit = 1000
		}
		s.wb = newWriteBehind(client, limit, cfg.BatchSize, cfg.WriteBehindFlushInterval)
	}
	return s
}

// Start launches the write-behind flusher, if configured. Idempotent; a
// no-op when write-behind is disabled.
func (s *Store) Start() {
	if s.wb != nil {
		s.wb.start()
	}
}

// Stop drains the write-behind queue (if any), blocking until ctx expires
// or the drain completes. Safe to call more than once.
func (s *Store) Stop(ctx context.Context) {
	if s.wb != nil {
		s.wb.stop(ctx)
	}
}

func (s *Store) effectiveTTL(ttl time.Duration, hot bool) time.Duration {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if hot {
		ttl = time.Duration(float64(ttl) * s.cfg.HotDataTTLMultiplier)
	}
	if s.cfg.MaxTTL > 0 && ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

// envelope prefixes a single byte recording the compression flag, since
// remote.Client stores opaque bytes with no side channel for it.
const (
	flagUncompressed byte = 0
	flagCompressed    byte = 1
)

func (s *Store) encodeEnvelope(v any) ([]byte, error) {
	data, compressed, err := s.vals.Encode(v)
	if err != nil {
		return nil, err
	}
	flag := flagUncompressed
	if compressed {
		flag = flagCompressed
	}
	out := make([]byte, 1+len(data))
	out[0] = flag
	copy(out[1:], data)
	return out, nil
}

func (s *Store) decodeEnvelope(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("l2: empty envelope")
	}
	return s.vals.Decode(raw[1:], raw[0] == flagCompressed, v)
}

// Get fetches a single key. The bool return is false on a clean miss; err
// is non-nil only for a transport or decode failure.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, s.keys.Prefixed(key))
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("l2: get %q: %w", key, err)
	}
	if err := s.decodeEnvelope(raw, out); err != nil {
		return false, fmt.Errorf("l2: decode %q: %w", key, err)
	}
	return true, nil
}

// Set stores value for key. When write-behind is enabled and has queue
// capacity, the write is asynchronous; otherwise it is synchronous
// write-through (including as the fallback when the write-behind queue is
// full, per the coherency design's write_behind-degrades-to write_through
// guarantee under backpressure).
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration, hot bool) error {
	envelope, err := s.encodeEnvelope(value)
	if err != nil {
		return fmt.Errorf("l2: encode %q: %w", key, err)
	}
	resolvedTTL := s.effectiveTTL(ttl, hot)
	prefixed := s.keys.Prefixed(key)

	if s.wb != nil && s.wb.enqueue(writeBehindItem{key: prefixed, value: envelope, ttl: resolvedTTL}) {
		return nil
	}
	if err := s.client.Set(ctx, prefixed, envelope, resolvedTTL); err != nil {
		return fmt.Errorf("l2: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Delete(ctx, s.keys.Prefixed(key)); err != nil {
		return fmt.Errorf("l2: delete %q: %w", key, err)
	}
	return nil
}

// MGet fetches many keys in chunks of cfg.BatchSize, returning decoded
// values for the keys present and a per-key error map for chunks or
// envelopes that failed. A key absent from both maps is a clean miss.
func (s *Store) MGet(ctx context.Context, keysIn []string) (map[string]any, map[string]error) {
	values := make(map[string]any, len(keysIn))
	errs := make(map[string]error)

	prefixedToOriginal := make(map[string]string, len(keysIn))
	prefixed := make([]string, len(keysIn))
	for i, k := range keysIn {
		p := s.keys.Prefixed(k)
		prefixed[i] = p
		prefixedToOriginal[p] = k
	}

	for chunkStart := 0; chunkStart < len(prefixed); chunkStart += s.cfg.BatchSize {
		end := chunkStart + s.cfg.BatchSize
		if end > len(prefixed) {
			end = len(prefixed)
		}
		chunk := prefixed[chunkStart:end]

		raws, err := s.client.MGet(ctx, chunk)
		if err != nil {
			for _, p := range chunk {
				errs[prefixedToOriginal[p]] = err
			}
			continue
		}
		for p, raw := range raws {
			var v any
			if err := s.decodeEnvelope(raw, &v); err != nil {
				errs[prefixedToOriginal[p]] = err
				continue
			}
			values[prefixedToOriginal[p]] = v
		}
	}

	return values, errs
}

// MSet writes many key/value pairs in chunks of cfg.BatchSize, issuing one
// client.MSet per chunk rather than a per-key round trip. Keys that fit in
// the write-behind queue are enqueued individually (same degrade-to-sync
// guarantee as Set under backpressure); everything else is encoded into a
// single envelope map per chunk and written through client.MSet. The
// returned map carries an error per key that failed to encode or write.
func (s *Store) MSet(ctx context.Context, items map[string]any, ttl time.Duration, hot bool) map[string]error {
	errs := make(map[string]error)
	resolvedTTL := s.effectiveTTL(ttl, hot)

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}

	for chunkStart := 0; chunkStart < len(keys); chunkStart += s.cfg.BatchSize {
		end := chunkStart + s.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[chunkStart:end]

		prefixedToOriginal := make(map[string]string, len(chunk))
		toWrite := make(map[string][]byte, len(chunk))
		for _, k := range chunk {
			envelope, err := s.encodeEnvelope(items[k])
			if err != nil {
				errs[k] = fmt.Errorf("l2: encode %q: %w", k, err)
				continue
			}
			prefixed := s.keys.Prefixed(k)
			if s.wb != nil && s.wb.enqueue(writeBehindItem{key: prefixed, value: envelope, ttl: resolvedTTL}) {
				continue
			}
			toWrite[prefixed] = envelope
			prefixedToOriginal[prefixed] = k
		}
		if len(toWrite) == 0 {
			continue
		}

		for p, err := range s.client.MSet(ctx, toWrite, resolvedTTL) {
			if err != nil {
				errs[prefixedToOriginal[p]] = fmt.Errorf("l2: mset %q: %w", prefixedToOriginal[p], err)
			}
		}
	}
	return errs
}

// InvalidatePattern deletes every remote key matching pattern, returning
// the count removed.
func (s *Store) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	matched, err := s.client.Scan(ctx, s.keys.Prefixed(pattern))
	if err != nil {
		return 0, fmt.Errorf("l2: scan %q: %w", pattern, err)
	}
	count := 0
	for _, k := range matched {
		if err := s.client.Delete(ctx, k); err == nil {
			count++
		}
	}
	return count, nil
}

// Health reports whether the remote store answers Ping, plus write-behind
// backlog size for observability.
func (s *Store) Health(ctx context.Context) (bool, map[string]any) {
	err := s.client.Ping(ctx)
	detail := map[string]any{}
	if s.wb != nil {
		detail["write_behind_pending"] = s.wb.pendingCount()
	}
	if err != nil {
		detail["error"] = err.Error()
		return false, detail
	}
	return true, detail
}
