// Package observability turns engine events into Prometheus metrics.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"post-rpc/events"
	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/rpcerr"
)

const namespace = "postrpc"

type Metrics struct {
	gatherer prometheus.Gatherer

	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	replyErrors     *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. With a nil reg a private registry is used.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		packetsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "packets_sent_total",
				Help:      "Packets posted by engines.",
			},
			[]string{"service", "type"},
		),
		packetsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "packets_received_total",
				Help:      "Packets released in order to engines.",
			},
			[]string{"service", "type"},
		),
		replyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "reply_errors_total",
				Help:      "Replies sent with an error, by code.",
			},
			[]string{"service", "code"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "dropped_total",
				Help:      "Inbound packets dropped before dispatch.",
			},
			[]string{"service", "reason"},
		),
		lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "lifecycle_total",
				Help:      "Engines that became ready or were destroyed.",
			},
			[]string{"service", "event"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Handler duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "code"},
		),
	}
	for _, c := range []prometheus.Collector{m.packetsSent, m.packetsReceived, m.replyErrors, m.dropped, m.lifecycle, m.handlerDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Attach counts every event published on bus.
func (m *Metrics) Attach(bus *events.Bus) error {
	return bus.SubscribeAll(m.Record)
}

// Record updates the counters for one event.
func (m *Metrics) Record(ev events.Event) {
	service := ev.ServiceID
	switch ev.Topic {
	case events.TopicSentCall:
		m.packetsSent.WithLabelValues(service, string(message.TypeMethod)).Inc()
	case events.TopicSentReply:
		m.packetsSent.WithLabelValues(service, string(message.TypeReply)).Inc()
		if ev.Packet != nil && ev.Packet.Error != nil {
			m.replyErrors.WithLabelValues(service, strconv.Itoa(ev.Packet.Error.Code)).Inc()
		}
	case events.TopicReceivedCall:
		m.packetsReceived.WithLabelValues(service, string(message.TypeMethod)).Inc()
	case events.TopicReceivedReply:
		m.packetsReceived.WithLabelValues(service, string(message.TypeReply)).Inc()
	case events.TopicDropped:
		m.dropped.WithLabelValues(service, ev.Reason).Inc()
	case events.TopicReady, events.TopicDestroyed:
		m.lifecycle.WithLabelValues(service, string(ev.Topic)).Inc()
	}
}

// Middleware observes handler durations labelled by outcome code ("ok" on success).
func (m *Metrics) Middleware() middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			code := "ok"
			if err != nil {
				code = strconv.Itoa(rpcerr.CodeOf(err))
			}
			m.handlerDuration.WithLabelValues(req.ServiceID, req.Method, code).Observe(time.Since(start).Seconds())
			return result, err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
