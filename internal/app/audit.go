package app

import (
	"context"
	"time"

	"greetbot/internal/eventbus"
	"greetbot/internal/storage"
	"greetbot/internal/task/scheduler"
	logx "greetbot/pkg/logx"
)

// auditEntry converts a schedule.* bus event to an audit row. Other events
// are not audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	if !eventbus.HasPrefix(e, "schedule") {
		return storage.AuditEntry{}, false
	}
	ev, ok := e.Data.(scheduler.Event)
	if !ok {
		return storage.AuditEntry{}, false
	}
	return storage.AuditEntry{
		At:     e.Time,
		Kind:   e.Type,
		JobID:  ev.JobID,
		ChatID: ev.ChatID,
		Seq:    ev.Seq,
		Detail: ev.Reason,
	}, true
}

// runEvents logs every bus event at debug level and appends schedule
// lifecycle events to the audit store, if one is configured.
func (a *App) runEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if a.store == nil {
				continue
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			if err := a.store.AppendAudit(ctx, entry); err != nil {
				a.log.Warn("audit append failed", logx.String("kind", entry.Kind), logx.String("job", entry.JobID), logx.Err(err))
			}
		}
	}
}

// auditLookback bounds how much history startup reads back.
const auditLookback = 1000

// unrestoredJobs returns the registration entries of jobs that an earlier run
// never canceled or retired. Jobs live in memory only, so these were lost.
func unrestoredJobs(entries []storage.AuditEntry) []storage.AuditEntry {
	active := map[string]storage.AuditEntry{}
	var order []string
	for _, e := range entries {
		switch e.Kind {
		case "schedule.registered":
			if _, seen := active[e.JobID]; !seen {
				order = append(order, e.JobID)
			}
			active[e.JobID] = e
		case "schedule.canceled", "schedule.retired":
			delete(active, e.JobID)
		}
	}
	out := make([]storage.AuditEntry, 0, len(active))
	for _, id := range order {
		if e, ok := active[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// reportUnrestored warns about jobs that were active when the previous run
// stopped. They are not rescheduled.
func (a *App) reportUnrestored(ctx context.Context) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	entries, err := a.store.RecentAudit(ctx, auditLookback)
	if err != nil {
		a.log.Warn("audit read failed", logx.Err(err))
		return
	}
	lost := unrestoredJobs(entries)
	for _, e := range lost {
		a.log.Warn("job from previous run not restored", logx.String("job", e.JobID), logx.Int64("chat", e.ChatID), logx.Time("registered", e.At))
	}
	if len(lost) > 0 {
		a.log.Info("previous run left active jobs", logx.Int("count", len(lost)))
	}
}
