// Package testkit holds consistency checks shared by tests.
package testkit

import (
	"fmt"
	"slices"

	"shmcall/internal/sched"
)

// CheckSchedulerInvariants runs the scheduler table invariants on a snapshot:
// 1) a priority bit is set iff that priority's ready ring is non-empty
// 2) every queued id appears exactly once, in the ring of its own priority
// 3) every ring entry names a live, queued task that is Ready (or is the
//    running task re-queued during its turn)
// 4) parked and running tasks that are not queued are in no ring
// 5) the id allocator agrees with the task table
func CheckSchedulerInvariants(snap sched.Snapshot) error {
	byID := make(map[sched.CoroutineID]sched.TaskInfo, len(snap.Tasks))
	for _, ti := range snap.Tasks {
		if ti.State == sched.StateTerminated {
			return fmt.Errorf("terminated task %d still in table", ti.ID)
		}
		byID[ti.ID] = ti
	}

	// 5) allocator vs table
	if snap.LiveIDs != len(snap.Tasks) {
		return fmt.Errorf("allocator holds %d ids, table has %d tasks", snap.LiveIDs, len(snap.Tasks))
	}

	// 1) bitmap mirrors ring occupancy
	for p := 0; p < snap.Priorities; p++ {
		hasBit := slices.Contains(snap.ReadyBits, p)
		nonEmpty := len(snap.Ready[p]) > 0
		if hasBit != nonEmpty {
			return fmt.Errorf("priority %d: bitmap bit=%v but ring has %d entries", p, hasBit, len(snap.Ready[p]))
		}
	}

	// 2) + 3) ring entries
	seen := make(map[sched.CoroutineID]bool)
	for p, queue := range snap.Ready {
		for _, id := range queue {
			if seen[id] {
				return fmt.Errorf("task %d queued twice", id)
			}
			seen[id] = true
			ti, ok := byID[id]
			if !ok {
				return fmt.Errorf("ring %d holds dead task %d", p, id)
			}
			if ti.Priority != p {
				return fmt.Errorf("task %d (prio %d) queued at priority %d", id, ti.Priority, p)
			}
			if !ti.Queued {
				return fmt.Errorf("task %d in ring but not marked queued", id)
			}
			running := snap.Running && snap.Current == id
			if ti.State != sched.StateReady && !running {
				return fmt.Errorf("queued task %d is %v", id, ti.State)
			}
		}
	}

	// 4) unqueued tasks
	for id, ti := range byID {
		if ti.Queued && !seen[id] {
			return fmt.Errorf("task %d marked queued but absent from rings", id)
		}
		if ti.State == sched.StateReady && !ti.Queued {
			return fmt.Errorf("ready task %d is not queued", id)
		}
	}
	return nil
}
