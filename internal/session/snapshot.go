package session

import "time"

// Snapshot is the persisted form of the manager's state. Everything in it
// is JSON-serialisable; runners are deliberately absent since subprocesses
// do not survive a restart.
type Snapshot struct {
	TakenAt  time.Time          `json:"taken_at"`
	Sessions []*Session         `json:"sessions"`
	Entries  map[string][]Entry `json:"entries"`
}

// Snapshot captures the current sessions and activity logs.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		TakenAt: time.Now().UTC(),
		Entries: make(map[string][]Entry, len(m.entries)),
	}
	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, m.snapshotSession(s))
	}
	for id, rows := range m.entries {
		cp := make([]Entry, len(rows))
		copy(cp, rows)
		snap.Entries[id] = cp
	}
	return snap
}

// Restore loads a snapshot into an empty manager. Sessions that were
// active when the snapshot was taken are marked errored: their runner
// processes died with the previous instance and cannot be reattached.
func (m *Manager) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, s := range snap.Sessions {
		cp := *s
		if !cp.Terminal() {
			cp.Status = StatusError
			cp.StatusReason = "interrupted by restart"
			cp.UpdatedAt = now
		}
		m.sessions[cp.ID] = &cp
	}
	for id, rows := range snap.Entries {
		cp := make([]Entry, len(rows))
		copy(cp, rows)
		m.entries[id] = cp
	}
}
