package trainer

import (
	"sync"
	"time"

	"sdpo-trainer/internal/schemas"
)

// Run states reported by Status.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateFinished  = "finished"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// status is written by the loop and read by the status server.
type status struct {
	mu sync.RWMutex
	s  schemas.RunStatus
}

func (st *status) update(fn func(*schemas.RunStatus)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
	st.s.UpdatedAt = time.Now().UTC()
}

func (st *status) snapshot() schemas.RunStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := st.s
	if st.s.EvalAccuracy != nil {
		v := *st.s.EvalAccuracy
		out.EvalAccuracy = &v
	}
	return out
}
