package api

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"strata-core/domain"
)

type cascadeRequestMetrics struct {
	logger          *log.Logger
	route           string
	start           time.Time
	cascadeDuration time.Duration
	eventsEmitted   int
	errorStage      string
}

func newCascadeRequestMetrics(route string, logger *log.Logger) *cascadeRequestMetrics {
	return &cascadeRequestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
}

// ObserveCascade records the duration and outcome of the cascade
// invocation.
func (m *cascadeRequestMetrics) ObserveCascade(duration time.Duration, res domain.CascadeResult) {
	if duration > 0 {
		m.cascadeDuration = duration
	}
	m.eventsEmitted = len(res.Events)
}

func (m *cascadeRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *cascadeRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":          m.route,
		"status":         status,
		"total_ms":       durationToMillis(time.Since(m.start)),
		"events_emitted": m.eventsEmitted,
	}
	if m.cascadeDuration > 0 {
		fields["cascade_ms"] = durationToMillis(m.cascadeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("cascade.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// roundPct rounds a percentage to two decimals for presentation. All
// internal computation stays at full float precision; this is the
// only place values are rounded.
func roundPct(pct float64) float64 {
	return math.Round(pct*100) / 100
}
