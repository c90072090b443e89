package scheduler

import (
	"errors"
	"time"

	"greetbot/internal/task/engine"
	logx "greetbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed dispatch at most once per job per throttle
// window. Queue-full bursts would otherwise flood the log.
func (r *Registry) reportEnqueueError(jobID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		r.log.Debug("occurrence skipped", logx.String("job", jobID), logx.Err(err))
		return
	}

	now := time.Now()
	r.enqMu.Lock()
	last := r.lastEnqWarn[jobID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		r.enqMu.Unlock()
		return
	}
	r.lastEnqWarn[jobID] = now
	r.enqMu.Unlock()

	r.log.Warn("occurrence not dispatched", logx.String("job", jobID), logx.Err(err))
}

func (r *Registry) forgetEnqueueWarn(jobID string) {
	r.enqMu.Lock()
	delete(r.lastEnqWarn, jobID)
	r.enqMu.Unlock()
}
