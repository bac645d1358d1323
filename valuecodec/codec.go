// Package valuecodec serializes cache values to bytes and, above a
// configured size threshold, compresses them.
package valuecodec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// Codec round-trips any JSON-marshalable value, transparently compressing
// payloads larger than Threshold.
type Codec struct {
	// Threshold is the serialized-size cutoff, in bytes, above which gzip
	// compression is applied. Zero disables compression.
	Threshold int
}

// New returns a Codec that compresses payloads larger than threshold
// bytes. threshold <= 0 disables compression entirely.
func New(threshold int) *Codec {
	return &Codec{Threshold: threshold}
}

// Encode serializes v to bytes and reports whether the result is
// gzip-compressed.
func (c *Codec) Encode(v any) (data []byte, compressed bool, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("valuecodec: marshal: %w", err)
	}

	if c.Threshold <= 0 || len(raw) <= c.Threshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, false, fmt.Errorf("valuecodec: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, false, fmt.Errorf("valuecodec: gzip close: %w", err)
	}

	// Compression only pays for itself if it actually shrinks the payload;
	// small/incompressible values can come out larger after gzip overhead.
	if buf.Len() >= len(raw) {
		return raw, false, nil
	}

	return buf.Bytes(), true, nil
}

// Decode reverses Encode into v, which must be a pointer.
func (c *Codec) Decode(data []byte, compressed bool, v any) error {
	raw := data
	if compressed {
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("valuecodec: gzip reader: %w", err)
		}
		defer gr.Close()

		decompressed, err := io.ReadAll(gr)
		if err != nil {
			return fmt.Errorf("valuecodec: gzip read: %w", err)
		}
		raw = decompressed
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("valuecodec: unmarshal: %w", err)
	}
	return nil
}

// EstimateSize returns the serialized size of v without allocating the
// final encoded form, used by L1 for size accounting before a costly
// compression pass.
func EstimateSize(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}
