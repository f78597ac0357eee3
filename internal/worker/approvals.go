package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/internal/fault"
)

// ApprovalResolution is the human decision on a pending approval.
type ApprovalResolution struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// approvalCallback is invoked exactly once per registered approval: on
// resolution or on timeout. err is nil only for an approve.
type approvalCallback func(sessionID, subroutineResult string, res ApprovalResolution, err error)

type pendingApproval struct {
	sessionID        string
	subroutineResult string
	createdAt        time.Time
	timer            *time.Timer
}

// ApprovalRegistry tracks pending human approvals and enforces their
// timeout.
type ApprovalRegistry struct {
	mu       sync.Mutex
	timeout  time.Duration
	pending  map[string]*pendingApproval
	callback approvalCallback
}

// NewApprovalRegistry creates a registry. The callback fires outside the
// registry lock.
func NewApprovalRegistry(timeout time.Duration, callback approvalCallback) *ApprovalRegistry {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ApprovalRegistry{
		timeout:  timeout,
		pending:  make(map[string]*pendingApproval),
		callback: callback,
	}
}

// Register opens a pending approval and returns its id. The subroutine
// result is carried through to the callback so the procedure can advance
// with it on approve.
func (r *ApprovalRegistry) Register(sessionID, subroutineResult string) string {
	id := uuid.New().String()
	p := &pendingApproval{
		sessionID:        sessionID,
		subroutineResult: subroutineResult,
		createdAt:        time.Now().UTC(),
	}
	p.timer = time.AfterFunc(r.timeout, func() { r.expire(id) })

	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()
	return id
}

// Resolve applies a human decision to a pending approval.
func (r *ApprovalRegistry) Resolve(id string, res ApprovalResolution) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.NotFound, "approval %s not found", id)
	}
	delete(r.pending, id)
	r.mu.Unlock()

	p.timer.Stop()
	if res.Approved {
		r.callback(p.sessionID, p.subroutineResult, res, nil)
	} else {
		r.callback(p.sessionID, p.subroutineResult, res,
			fault.New(fault.ApprovalRejected, "approval declined"))
	}
	return nil
}

// SessionFor returns the session a pending approval belongs to.
func (r *ApprovalRegistry) SessionFor(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return "", false
	}
	return p.sessionID, true
}

// PendingFor returns the open approval id for a session, if any.
func (r *ApprovalRegistry) PendingFor(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if p.sessionID == sessionID {
			return id, true
		}
	}
	return "", false
}

// Stop cancels all outstanding timers without firing callbacks.
func (r *ApprovalRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
}

func (r *ApprovalRegistry) expire(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.callback(p.sessionID, p.subroutineResult, ApprovalResolution{},
		fault.New(fault.ApprovalTimedOut, "no resolution within %s", r.timeout))
}
