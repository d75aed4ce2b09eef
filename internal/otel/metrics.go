package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the mirror's metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	RPCCallDuration  metric.Float64Histogram
	RPCFailovers     metric.Int64Counter
	TaskSyncs        metric.Int64Counter
	SyncRunDuration  metric.Float64Histogram
	ChainEvents      metric.Int64Counter
	DecryptDecisions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("escrowmirror.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCCallDuration, err = meter.Float64Histogram("escrowmirror.rpc.duration",
		metric.WithDescription("JSON-RPC call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCFailovers, err = meter.Int64Counter("escrowmirror.rpc.failovers",
		metric.WithDescription("Calls that moved on to a fallback RPC endpoint"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskSyncs, err = meter.Int64Counter("escrowmirror.sync.tasks",
		metric.WithDescription("Per-task reconciliation outcomes"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncRunDuration, err = meter.Float64Histogram("escrowmirror.sync.run.duration",
		metric.WithDescription("Batch reconciliation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChainEvents, err = meter.Int64Counter("escrowmirror.chain.events",
		metric.WithDescription("Escrow events processed by the listener"),
	)
	if err != nil {
		return nil, err
	}

	m.DecryptDecisions, err = meter.Int64Counter("escrowmirror.contacts.decrypt",
		metric.WithDescription("Contacts decrypt requests by decision"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrRoute.String(route), AttrStatusCode.Int(status)))
}

func (m *Metrics) RecordRPC(ctx context.Context, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrRPCMethod.String(method), attribute.Bool("error", err != nil)))
}

func (m *Metrics) RecordFailover(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.RPCFailovers.Add(ctx, 1, metric.WithAttributes(AttrRPCMethod.String(method)))
}

// RecordTaskSync counts one SyncTask outcome (created, contact_key_created,
// helper_key_updated, complete, failed).
func (m *Metrics) RecordTaskSync(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.TaskSyncs.Add(ctx, 1, metric.WithAttributes(
		AttrSyncSource.String(source), AttrSyncOutcome.String(outcome)))
}

func (m *Metrics) RecordSyncRun(ctx context.Context, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncRunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrSyncSource.String(source)))
}

func (m *Metrics) RecordChainEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.ChainEvents.Add(ctx, 1, metric.WithAttributes(AttrEventName.String(event)))
}

func (m *Metrics) RecordDecrypt(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.DecryptDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}
