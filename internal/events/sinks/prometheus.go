package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/artifact-harvester/internal/events"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// PrometheusSink exports harvest progress as Prometheus collectors.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobRuntime   prometheus.Histogram

	items        *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	bytesStored  prometheus.Counter
	encodeRounds prometheus.Histogram
	attempts     prometheus.Histogram

	concurrency prometheus.Gauge
	delay       prometheus.Gauge
	errorRate   prometheus.Gauge
	alerts      prometheus.Counter
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_jobs_started_total",
			Help: "Jobs that have started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_jobs_finished_total",
			Help: "Jobs finished partitioned by terminal phase.",
		}, []string{"phase"}),
		jobRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_items_total",
			Help: "Processed items partitioned by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_item_duration_seconds",
			Help:    "Per-item wall time including retries.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_bytes_stored_total",
			Help: "Payload bytes accepted by the sink.",
		}),
		encodeRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_encoder_dimension_rounds",
			Help:    "Dimension-reduction rounds per re-encoded payload.",
			Buckets: []float64{0, 1, 2, 3},
		}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_item_attempts",
			Help:    "Attempts per processed item.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_governor_concurrency",
			Help: "Current governor concurrency limit.",
		}),
		delay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_governor_delay_seconds",
			Help: "Current governor inter-operation delay.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_governor_error_rate",
			Help: "Rolling error rate seen by the governor.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_monitor_alerts_total",
			Help: "Alerts raised by the performance monitor.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.jobsStarted, s.jobsFinished, s.jobRuntime,
		s.items, s.itemDuration, s.bytesStored, s.encodeRounds, s.attempts,
		s.concurrency, s.delay, s.errorRate, s.alerts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register harvest collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case events.TypeJobStarted:
			s.jobsStarted.Inc()
		case events.TypeJobFinished:
			s.jobsFinished.WithLabelValues(string(evt.Phase)).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.Observe(evt.Dur.Seconds())
			}
			s.observeRate(evt.Rate)
		case events.TypeItemDone:
			s.observeItem(evt)
		case events.TypeBatchDone:
			s.observeRate(evt.Rate)
		case events.TypeAlert:
			s.alerts.Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) observeItem(evt events.Event) {
	kind := string(evt.Kind)
	if kind == "" {
		kind = "none"
	}
	s.items.WithLabelValues(string(evt.Outcome), kind).Inc()
	if evt.Dur > 0 {
		s.itemDuration.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
	}
	if evt.Attempts > 0 {
		s.attempts.Observe(float64(evt.Attempts))
	}
	if evt.Outcome == harvest.OutcomeSuccess && evt.Bytes > 0 {
		s.bytesStored.Add(float64(evt.Bytes))
	}
	if evt.Encoded {
		s.encodeRounds.Observe(float64(evt.Rounds))
	}
}

func (s *PrometheusSink) observeRate(st harvest.RateState) {
	if st.Concurrency == 0 {
		return
	}
	s.concurrency.Set(float64(st.Concurrency))
	s.delay.Set(st.Delay.Seconds())
	s.errorRate.Set(st.ErrorRate())
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
