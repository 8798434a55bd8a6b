package lattice

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricEnvelopeInCount         = []string{"lattice", "envelope", "in", "count"}
	MetricEnvelopeOutCount        = []string{"lattice", "envelope", "out", "count"}
	MetricEnvelopeUnroutableCount = []string{"lattice", "envelope", "unroutable", "count"}
	MetricConnEstCount            = []string{"lattice", "connection", "established", "count"}
	MetricConnErrorCount          = []string{"lattice", "connection", "error", "count"}
	MetricTrackedResolvedCount    = []string{"lattice", "tracked", "resolved", "count"}
	MetricTrackedTimeoutCount     = []string{"lattice", "tracked", "timeout", "count"}
	MetricTrackedLinkGoneCount    = []string{"lattice", "tracked", "link", "gone", "count"}
	MetricTrackedLateCount        = []string{"lattice", "tracked", "late", "count"}
	MetricHeartbeatPingOutCount   = []string{"lattice", "heartbeat", "ping", "out", "count"}
	MetricHeartbeatRTTMs          = []string{"lattice", "heartbeat", "rtt", "ms"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelLinkID   TelemetryLabel = "link_id"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelService  TelemetryLabel = "service"
	LabelKind     TelemetryLabel = "kind"
	LabelDuration TelemetryLabel = "duration"
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
