package sinks

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports counters for the records flowing through the console.
type PrometheusSink struct {
	logRecords     *prometheus.CounterVec
	progressEvents prometheus.Counter
	progressPct    *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		logRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botconsole_log_records_total",
			Help: "Bot log records received, partitioned by level.",
		}, []string{"level"}),
		progressEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botconsole_progress_events_total",
			Help: "Bot progress records received.",
		}),
		progressPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botconsole_progress_percentage",
			Help: "Last reported progress percentage per bot.",
		}, []string{"bot_id"}),
	}
	var err error
	if s.logRecords, err = register(reg, s.logRecords); err != nil {
		return nil, err
	}
	if s.progressEvents, err = register(reg, s.progressEvents); err != nil {
		return nil, err
	}
	if s.progressPct, err = register(reg, s.progressPct); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered so a sink can be rebuilt against the default registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register sink collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case KindLog:
			level := string(evt.Log.Level)
			if !evt.Log.Level.Known() {
				level = "other"
			}
			s.logRecords.WithLabelValues(level).Inc()
		case KindProgress:
			s.progressEvents.Inc()
			s.progressPct.WithLabelValues(strconv.FormatInt(evt.Progress.BotID, 10)).Set(evt.Progress.Percentage)
		}
	}
	return nil
}

// Close implements BatchSink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
