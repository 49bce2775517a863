package app

import (
	"context"
	"time"

	"chargewatch/internal/notifier"
	"chargewatch/internal/poller"
	rtsup "chargewatch/internal/runtime/supervisor"
	"chargewatch/internal/storage"
	"chargewatch/internal/subscription"
)

// Status is served as JSON on the ops /status endpoint.
type Status struct {
	Gateway       string                 `json:"gateway"`
	Uptime        string                 `json:"uptime"`
	Subscriptions subscription.Stats     `json:"subscriptions"`
	LastCycle     poller.CycleResult     `json:"last_cycle"`
	Deliveries    []notifier.HistoryItem `json:"recent_deliveries"`
	Audit         []storage.Entry        `json:"recent_audit,omitempty"`
	Supervisor    rtsup.Snapshot         `json:"supervisor"`
	LogsDropped   uint64                 `json:"operator_logs_dropped"`
}

const statusTail = 20

func (a *App) status(ctx context.Context) any {
	st := Status{
		Gateway:       a.adapter.Name(),
		Subscriptions: a.subs.Stats(),
		LastCycle:     a.poll.Last(),
		LogsDropped:   a.logs.Dropped(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	if h := a.notif.Snapshot(); len(h) > statusTail {
		st.Deliveries = h[len(h)-statusTail:]
	} else {
		st.Deliveries = h
	}
	if entries, err := a.audit.Recent(ctx, statusTail); err == nil {
		st.Audit = entries
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}
