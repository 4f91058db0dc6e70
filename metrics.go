package swarm

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSwarmOpAppliedCount     = []string{"swarm", "op", "applied", "count"}
	MetricSwarmOpReplayCount      = []string{"swarm", "op", "replay", "count"}
	MetricSwarmOpErrorCount       = []string{"swarm", "op", "error", "count"}
	MetricSwarmObjectsLive        = []string{"swarm", "objects", "live"}
	MetricSwarmSourcesLive        = []string{"swarm", "sources", "live"}
	MetricSwarmUplinkChangesCount = []string{"swarm", "uplink", "changes", "count"}
	MetricSwarmPipeInBytes        = []string{"swarm", "pipe", "in", "bytes"}
	MetricSwarmPipeOutBytes       = []string{"swarm", "pipe", "out", "bytes"}
	MetricSwarmPipeErrorCount     = []string{"swarm", "pipe", "error", "count"}
	MetricSwarmPipeHandshakeCount = []string{"swarm", "pipe", "handshake", "count"}
	MetricSwarmPipeReconnectCount = []string{"swarm", "pipe", "reconnect", "count"}
	MetricSwarmPipeStuckCount     = []string{"swarm", "pipe", "stuck", "count"}
	MetricSwarmPipeDeadCount      = []string{"swarm", "pipe", "dead", "count"}
	MetricSwarmGossipEventCount   = []string{"swarm", "gossip", "event", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelHost     TelemetryLabel = "host"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelSpec     TelemetryLabel = "spec"
	LabelOp       TelemetryLabel = "op"
	LabelMethod   TelemetryLabel = "method"
	LabelType     TelemetryLabel = "type"
	LabelEvent    TelemetryLabel = "event"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
