// Package task defines the domain model shared by the coordinator-side
// remote task controller: task identity, the two views of remote state
// (TaskStatus, TaskInfo), the intent a planner accumulates locally
// (TaskSource, ScheduledSplit), and the message sent on the wire
// (TaskUpdateRequest).
package task

import "fmt"

// ID identifies a (query, stage, partition, attempt) task instance.
// It is comparable and therefore usable as a map key; Less gives the
// total order within a (query, stage) required by the spec.
type ID struct {
	QueryID     string
	StageID     int
	PartitionID int
	Attempt     int
}

func (id ID) String() string {
	return fmt.Sprintf("%s.%d.%d.%d", id.QueryID, id.StageID, id.PartitionID, id.Attempt)
}

// Less orders tasks within the same (QueryID, StageID) by partition and,
// within a partition, by attempt. Tasks from different queries or stages
// have no defined order.
func (id ID) Less(other ID) bool {
	if id.PartitionID != other.PartitionID {
		return id.PartitionID < other.PartitionID
	}
	return id.Attempt < other.Attempt
}

// InstanceID is the worker-assigned fencing token for a task. A change
// in InstanceID across two observations of the same ID means the worker
// lost the task (e.g. it restarted). The zero value is the bootstrap
// sentinel used before the worker has ever replied.
type InstanceID string

// IsBootstrap reports whether id is the zero-value placeholder the
// coordinator starts with, before any worker reply has been observed.
func (id InstanceID) IsBootstrap() bool {
	return id == ""
}

// PlanNodeID identifies a source plan node within a task's fragment.
type PlanNodeID string

// Lifespan is a scheduling group identifier for splits that must be
// processed together. The zero value, LifespanTaskWide, denotes splits
// that are not bound to any particular group.
type Lifespan int64

// LifespanTaskWide is the reserved Lifespan for splits with no grouping.
const LifespanTaskWide Lifespan = 0
