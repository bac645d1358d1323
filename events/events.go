package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventVersion1 is the current schema version for every event type in this
// package. New fields must be additive; consumers should reject a Version
// they don't recognize rather than guess at its shape.
const EventVersion1 = 1

// InvalidationEvent coordinates a cache invalidation across every
// orchestrator instance. At least one of Keys or Pattern must be set.
type InvalidationEvent struct {
	Version     int               `json:"version"`
	Service     string            `json:"service"`
	Keys        []string          `json:"keys,omitempty"`
	Pattern     string            `json:"pattern,omitempty"`
	TriggeredAt time.Time         `json:"triggered_at"`
	Meta        map[string]string `json:"meta,omitempty"`
	RequestID   string            `json:"request_id"`
}

func (e *InvalidationEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("events: unsupported InvalidationEvent version %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("events: service is required")
	}
	if len(e.Keys) == 0 && e.Pattern == "" {
		return errors.New("events: at least one of keys or pattern must be set")
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("events: triggered_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("events: request_id is required")
	}
	return nil
}

func (e *InvalidationEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

func InvalidationEventFromJSON(data []byte) (*InvalidationEvent, error) {
	var e InvalidationEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("events: unmarshal InvalidationEvent: %w", err)
	}
	return &e, nil
}

// RefreshEvent asks every instance to proactively reload a set of keys.
type RefreshEvent struct {
	Version     int               `json:"version"`
	Service     string            `json:"service"`
	Keys        []string          `json:"keys"`
	Priority    int               `json:"priority"`
	TriggeredAt time.Time         `json:"triggered_at"`
	Meta        map[string]string `json:"meta,omitempty"`
	RequestID   string            `json:"request_id"`
}

func (e *RefreshEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("events: unsupported RefreshEvent version %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("events: service is required")
	}
	if len(e.Keys) == 0 {
		return errors.New("events: keys cannot be empty")
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("events: triggered_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("events: request_id is required")
	}
	return nil
}

func (e *RefreshEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

func RefreshEventFromJSON(data []byte) (*RefreshEvent, error) {
	var e RefreshEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("events: unmarshal RefreshEvent: %w", err)
	}
	return &e, nil
}

// WarmCompletedEvent reports the outcome of a warming run.
type WarmCompletedEvent struct {
	Version     int               `json:"version"`
	Service     string            `json:"service"`
	Status      string            `json:"status"` // success, partial, failed
	Duration    time.Duration     `json:"duration"`
	KeysWarmed  int               `json:"keys_warmed"`
	KeysFailed  int               `json:"keys_failed"`
	Error       string            `json:"error,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
	Meta        map[string]string `json:"meta,omitempty"`
	RequestID   string            `json:"request_id"`
}

func (e *WarmCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("events: unsupported WarmCompletedEvent version %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("events: service is required")
	}
	switch e.Status {
	case "success", "partial", "failed":
	default:
		return fmt.Errorf("events: invalid status %q", e.Status)
	}
	if e.Duration < 0 {
		return errors.New("events: duration cannot be negative")
	}
	if e.KeysWarmed < 0 || e.KeysFailed < 0 {
		return errors.New("events: keys_warmed and keys_failed cannot be negative")
	}
	if e.CompletedAt.IsZero() {
		return errors.New("events: completed_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("events: request_id is required")
	}
	return nil
}

func (e *WarmCompletedEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

func WarmCompletedEventFromJSON(data []byte) (*WarmCompletedEvent, error) {
	var e WarmCompletedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("events: unmarshal WarmCompletedEvent: %w", err)
	}
	return &e, nil
}
