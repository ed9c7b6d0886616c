// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports router activity as Prometheus metrics. It
// implements stats.Handler, so it plugs into a router with
// nsrouter.WithStatsHandler.
package metrics

import (
	"context"
	"errors"

	"github.com/bufbuild/nsrouter"
	"github.com/bufbuild/nsrouter/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nsrouter"

// Handler holds the router's Prometheus metrics and updates them from
// router events.
type Handler struct {
	// TableVersion is the version of the most recently installed table.
	TableVersion prometheus.Gauge

	// TablesInstalled counts tables accepted by Configure.
	TablesInstalled prometheus.Counter

	// TablesRejected counts tables that failed validation.
	TablesRejected prometheus.Counter

	// ActiveSubscriptions tracks open subscriptions by kind.
	ActiveSubscriptions *prometheus.GaugeVec

	// SubscriptionDuration observes how long subscriptions lived, by kind
	// and by the reason they ended.
	SubscriptionDuration *prometheus.HistogramVec

	// UpdatesPublished counts updates made available to consumers, by kind.
	UpdatesPublished *prometheus.CounterVec

	// ActiveBackends tracks open resolver tasks.
	ActiveBackends prometheus.Gauge

	// BackendsOpened, BackendsReused and BackendsClosed count backend
	// lifecycle events by route.
	BackendsOpened *prometheus.CounterVec
	BackendsReused *prometheus.CounterVec
	BackendsClosed *prometheus.CounterVec

	// ResolverFailures counts degraded resolutions by route and cause,
	// which is either "error" or "stale".
	ResolverFailures *prometheus.CounterVec
}

var _ stats.Handler = (*Handler)(nil)

// NewHandler creates the router metrics and registers them with reg.
// A nil reg registers them with the default registry.
func NewHandler(reg prometheus.Registerer) *Handler {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Handler{
		TableVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_version",
			Help:      "Version of the active routing table.",
		}),
		TablesInstalled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_installed_total",
			Help:      "Total number of routing tables installed.",
		}),
		TablesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_rejected_total",
			Help:      "Total number of routing tables rejected as invalid.",
		}),
		ActiveSubscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Number of open subscriptions.",
		}, []string{"kind"}),
		SubscriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "duration_seconds",
			Help:      "How long subscriptions stayed open.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind", "reason"}),
		UpdatesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "updates_total",
			Help:      "Total number of updates published to consumers.",
		}, []string{"kind"}),
		ActiveBackends: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "active",
			Help:      "Number of open resolver tasks.",
		}),
		BackendsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "opened_total",
			Help:      "Total number of resolver tasks opened.",
		}, []string{"route"}),
		BackendsReused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "reused_total",
			Help:      "Total number of resolver tasks kept across a table change.",
		}, []string{"route"}),
		BackendsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "closed_total",
			Help:      "Total number of resolver tasks closed.",
		}, []string{"route"}),
		ResolverFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "failures_total",
			Help:      "Total number of degraded resolutions.",
		}, []string{"route", "cause"}),
	}
}

// HandleRouterEvent implements stats.Handler.
func (h *Handler) HandleRouterEvent(_ context.Context, event stats.Event) {
	switch event := event.(type) {
	case *stats.TableInstalled:
		h.TablesInstalled.Inc()
		h.TableVersion.Set(float64(event.Version))
	case *stats.TableRejected:
		h.TablesRejected.Inc()
	case *stats.SubscriptionStarted:
		h.ActiveSubscriptions.WithLabelValues(string(event.Kind)).Inc()
	case *stats.SubscriptionStopped:
		h.ActiveSubscriptions.WithLabelValues(string(event.Kind)).Dec()
		h.SubscriptionDuration.WithLabelValues(string(event.Kind), stopReason(event.Err)).Observe(event.Duration.Seconds())
	case *stats.UpdatePublished:
		h.UpdatesPublished.WithLabelValues(string(event.Kind)).Inc()
	case *stats.BackendOpened:
		h.ActiveBackends.Inc()
		h.BackendsOpened.WithLabelValues(event.Route).Inc()
	case *stats.BackendReused:
		h.BackendsReused.WithLabelValues(event.Route).Inc()
	case *stats.BackendClosed:
		h.ActiveBackends.Dec()
		h.BackendsClosed.WithLabelValues(event.Route).Inc()
	case *stats.ResolverFailed:
		cause := "error"
		if event.Stale {
			cause = "stale"
		}
		h.ResolverFailures.WithLabelValues(event.Route, cause).Inc()
	}
}

func stopReason(err error) string {
	switch {
	case errors.Is(err, nsrouter.ErrRouterClosed):
		return "router_closed"
	case errors.Is(err, nsrouter.ErrSubscriptionClosed):
		return "closed"
	default:
		return "unknown"
	}
}
