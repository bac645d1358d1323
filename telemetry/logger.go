// Package telemetry provides the orchestrator's structured operation
// logging and the token-bucket throttle used to bound expensive
// pattern-scan work, generalized from the teacher's HTTP middleware to
// plain cache operations with no transport involved.
package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// WithRequestID attaches requestID to ctx, propagated through to any
// downstream operation log entries and coherency events.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID stashed by WithRequestID, or
// "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// NewRequestID generates a fresh correlation ID for an operation that
// wasn't given one by its caller.
func NewRequestID() string {
	return uuid.NewString()
}

// OperationLogger emits one structured JSON log line per cache operation:
// tier hit, latency, success, and the correlation ID, mirroring the
// teacher's per-HTTP-request logging but keyed on a cache operation
// instead of a request/response pair.
type OperationLogger struct {
	serviceName string
}

// NewOperationLogger returns a logger that tags every entry with
// serviceName.
func NewOperationLogger(serviceName string) *OperationLogger {
	return &OperationLogger{serviceName: serviceName}
}

// Record logs the outcome of a single cache operation.
func (l *OperationLogger) Record(ctx context.Context, op, key string, tier string, hit bool, err error, duration time.Duration) {
	entry := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"service":     l.serviceName,
		"request_id":  RequestIDFromContext(ctx),
		"operation":   op,
		"key":         key,
		"tier":        tier,
		"hit":         hit,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		entry["error"] = err.Error()
	}

	data, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		log.Printf("[ERROR] telemetry: failed to marshal operation log entry: %v", marshalErr)
		return
	}

	switch {
	case err != nil:
		log.Printf("[ERROR] %s", string(data))
	case !hit && op == "get":
		log.Printf("[INFO] %s", string(data))
	default:
		log.Printf("[INFO] %s", string(data))
	}
}

// Event logs a free-form lifecycle event (initialize, shutdown, warm
// completion) not tied to a single key.
func (l *OperationLogger) Event(ctx context.Context, message string, fields map[string]any) {
	entry := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"service":    l.serviceName,
		"request_id": RequestIDFromContext(ctx),
		"message":    message,
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] telemetry: failed to marshal event log entry: %v", err)
		return
	}
	log.Printf("[INFO] %s", string(data))
}
