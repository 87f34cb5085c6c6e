package telemetry

import (
	"strings"

	"github.com/rs/zerolog"
)

// DefaultNamespace prefixes event names when the caller supplies none.
const DefaultNamespace = "deribit_go"

// Emitter publishes structured events under a caller-supplied namespace.
// Every event becomes one log line (`event=<namespace>.<category>` plus the
// metadata fields) and feeds the matching Prometheus collector.
type Emitter struct {
	namespace string
	logger    zerolog.Logger
}

// NewEmitter creates an emitter. An empty namespace selects the default.
func NewEmitter(namespace string, logger zerolog.Logger) *Emitter {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Emitter{
		namespace: namespace,
		logger:    logger.With().Str("component", "telemetry").Logger(),
	}
}

// Emit publishes one event. Failure-ish categories log at warn, the rest at
// info.
func (e *Emitter) Emit(category string, fields map[string]any) {
	if e == nil {
		return
	}
	evt := e.logger.Info()
	if strings.Contains(category, "failure") || strings.Contains(category, "error") {
		evt = e.logger.Warn()
	}
	evt = evt.Str("event", e.namespace+"."+category)
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg("event")

	e.updateMetrics(category, fields)
}

// EmitFn returns Emit as a plain function for components that should not
// depend on this package's types.
func (e *Emitter) EmitFn() func(string, map[string]any) {
	if e == nil {
		return nil
	}
	return e.Emit
}

func (e *Emitter) updateMetrics(category string, fields map[string]any) {
	switch {
	case category == "rate_limit.rate_limit_hit":
		RecordRateLimitHit()
	case category == "rate_limit.request_allowed":
		RecordRateLimitDecision("allow")
	case category == "rate_limit.request_limited":
		RecordRateLimitDecision("limited")
	case category == "connection.opened":
		RecordConnection()
	case strings.HasPrefix(category, "session."):
		if t, ok := fields["transition"].(string); ok {
			RecordSession(t)
		}
	case category == "resubscription.channel.success":
		RecordResubscription("success")
	case category == "resubscription.channel.failure":
		RecordResubscription("failure")
	case category == "time_sync.success":
		if d, ok := fields["delta_ms"].(int64); ok {
			SetTimeSyncOffset(d)
		}
	}
}
