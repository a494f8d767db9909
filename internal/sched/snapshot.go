package sched

// TaskInfo describes one live task in a Snapshot.
type TaskInfo struct {
	ID       CoroutineID
	Priority int
	State    State
	Queued   bool
}

// Snapshot is a copy of the scheduler tables, used by invariant checks and
// the bench report.
type Snapshot struct {
	Tasks      []TaskInfo
	Ready      map[int][]CoroutineID // priority -> ids, oldest first
	ReadyBits  []int                 // priorities whose bitmap bit is set
	Priorities int
	Current    CoroutineID
	Running    bool
	LiveIDs    int
}

// Snapshot copies the current tables.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Ready:      make(map[int][]CoroutineID),
		Priorities: s.cfg.Priorities,
		LiveIDs:    s.ids.Len(),
	}
	for _, t := range s.tasks {
		if t != nil {
			snap.Tasks = append(snap.Tasks, TaskInfo{ID: t.id, Priority: t.prio, State: t.state, Queued: t.queued})
		}
	}
	for p, r := range s.ready {
		if r == nil || r.Empty() {
			continue
		}
		for id := range r.All() {
			snap.Ready[p] = append(snap.Ready[p], id)
		}
	}
	for p := 0; p < s.cfg.Priorities; p++ {
		if s.prio.Get(p) {
			snap.ReadyBits = append(snap.ReadyBits, p)
		}
	}
	if s.current != nil {
		snap.Current, snap.Running = s.current.id, true
	}
	return snap
}
