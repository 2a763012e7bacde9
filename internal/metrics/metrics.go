package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests          prometheus.Counter
	ToolInvocations       prometheus.Counter
	FallbackConversations prometheus.Counter
	UpstreamErrors        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tradelog",
				Name:      "chat_requests_total",
				Help:      "Total chat requests received",
			}),
			ToolInvocations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tradelog",
				Name:      "chat_tool_invocations_total",
				Help:      "Total tool calls executed by the conversation loop",
			}),
			FallbackConversations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tradelog",
				Name:      "chat_fallback_total",
				Help:      "Total conversations rerouted to the default model",
			}),
			UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tradelog",
				Name:      "chat_upstream_errors_total",
				Help:      "Total terminal provider errors during conversations",
			}),
		}
		prometheus.MustRegister(global.ChatRequests, global.ToolInvocations, global.FallbackConversations, global.UpstreamErrors)
	})
	return global
}
