// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package metrics holds the Prometheus metrics of the site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequests counts moments API requests by route and status code.
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_api_requests_total",
			Help: "Moments API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	// RateLimited counts requests rejected by the public API rate limiter.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "site_api_rate_limited_total",
			Help: "Moments API requests rejected by the rate limiter",
		},
	)

	// BotUpdates counts Telegram updates by kind.
	BotUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_bot_updates_total",
			Help: "Telegram updates handled by kind",
		},
		[]string{"kind"},
	)

	// SequenceSteps counts sequence triggers by flavor and outcome.
	SequenceSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_sequence_steps_total",
			Help: "Sequence triggers by flavor and outcome",
		},
		[]string{"flavor", "outcome"},
	)

	// Conversations tracks open bot conversations.
	Conversations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "site_bot_conversations",
			Help: "Open bot conversations",
		},
	)
)

// Registry contains every site metric plus the Go runtime and process
// collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		APIRequests,
		RateLimited,
		BotUpdates,
		SequenceSteps,
		Conversations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
