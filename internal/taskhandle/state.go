package taskhandle

import (
	"fmt"

	"github.com/ChuLiYu/remotetask/pkg/task"
)

// publishLocked is the single code path through which taskStatus and
// taskInfo are ever mutated. The caller must already hold h.mu;
// publishLocked releases it before notifying listeners, so a slow
// listener never holds up a fetch/send loop waiting on the same lock.
//
// If forceState is non-nil, the published status's State is overridden
// to that value regardless of status.State; used by Cancel/Abort/Fail,
// which synthesize a terminal status locally instead of waiting for a
// worker reply. If failure is non-nil it is appended to Failures.
func (h *TaskHandle) publishLocked(status task.Status, forceState *task.State, failure *task.Failure) bool {
	if h.terminal {
		if failure != nil {
			h.status.Failures = append(h.status.Failures, *failure)
			h.info.Status = h.status
		}
		h.mu.Unlock()
		return true
	}

	prevState := h.status.State
	next := status.Clone()
	if forceState != nil {
		next.State = *forceState
	}
	if failure != nil {
		next.Failures = append(append([]task.Failure(nil), h.status.Failures...), *failure)
		h.hasFailure = true
		h.terminalFailureCode = failure.Code
	}
	h.status = next
	h.info.Status = h.status

	becameTerminal := next.State.IsDone()
	if becameTerminal {
		h.terminal = true
	}
	newState := next.State
	h.mu.Unlock()

	if newState != prevState {
		h.notify(newState)
	}
	if becameTerminal {
		h.doneOnce.Do(func() { close(h.doneCh) })
	}
	return becameTerminal
}

// ApplyStatus is the update-application rule, applied to a freshly
// observed TaskStatus. It is the single entry point
// StatusFetcher, InfoFetcher (via ApplyInfo), and UpdateSender all
// funnel through.
func (h *TaskHandle) ApplyStatus(status task.Status) bool {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return true
	}

	known := h.status
	if h.seenInstanceID && status.InstanceID != known.InstanceID {
		failure := task.Failure{
			Code:    task.ErrMismatch,
			Message: fmt.Sprintf("instance id changed from %q to %q", known.InstanceID, status.InstanceID),
			At:      h.now(),
		}
		failed := task.StateFailed
		return h.publishLocked(known, &failed, &failure)
	}
	if h.seenInstanceID && status.Version < known.Version {
		failure := task.Failure{
			Code:    task.ErrMismatch,
			Message: fmt.Sprintf("version regressed from %d to %d with unchanged instance id", known.Version, status.Version),
			At:      h.now(),
		}
		failed := task.StateFailed
		return h.publishLocked(known, &failed, &failure)
	}

	h.seenInstanceID = true
	return h.publishLocked(status, nil, nil)
}

// ApplyInfo applies the TaskStatus embedded in info through ApplyStatus,
// then merges the remaining TaskInfo-only fields iff the status was
// accepted (not overridden by a mismatch synthesis).
func (h *TaskHandle) ApplyInfo(info task.Info) bool {
	terminal := h.ApplyStatus(info.Status)

	h.mu.Lock()
	accepted := h.status.InstanceID == info.Status.InstanceID && h.status.Version == info.Status.Version
	if accepted {
		if h.needsPlan && !info.NeedsPlan {
			h.fragment = nil
			h.needsPlan = false
		}
		h.info.LastHeartbeat = info.LastHeartbeat
		h.info.OutputBuffer = info.OutputBuffer
		h.info.NoMoreSplits = info.NoMoreSplits
		h.info.Stats = info.Stats
		h.info.NeedsPlan = info.NeedsPlan
	}
	h.info.Status = h.status
	h.mu.Unlock()

	return terminal
}

// Snapshot builds the next TaskUpdateRequest from currently staged
// intent and atomically marks that intent as sent: splits are drained
// from the per-source staging slice, and no-more-splits markers are
// moved from "pending" to "sent" so they are never included again, per
// invariants 4 and 5. The returned count is the pendingUpdateCount this
// snapshot corresponds to, for the caller's dirty-tracking comparison.
func (h *TaskHandle) Snapshot() (task.UpdateRequest, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	req := task.UpdateRequest{
		SessionID:       h.sessionID,
		OutputBuffers:   h.outputBuffers,
		TotalPartitions: h.totalPartitions,
	}
	if h.needsPlan {
		req.Fragment = h.fragment
	}

	for planNodeID, si := range h.sources {
		sendNoMoreSplits := si.noMoreSplits && !si.noMoreSplitsSent
		if len(si.unsent) == 0 && !sendNoMoreSplits && len(si.pendingLifespans) == 0 {
			continue
		}

		src := task.Source{
			PlanNodeID:   planNodeID,
			Splits:       si.unsent,
			NoMoreSplits: sendNoMoreSplits,
		}
		for lifespan := range si.pendingLifespans {
			src.NoMoreSplitsForLifespan = append(src.NoMoreSplitsForLifespan, lifespan)
		}
		req.Sources = append(req.Sources, src)

		si.unsent = nil
		if sendNoMoreSplits {
			si.noMoreSplitsSent = true
		}
		if len(si.pendingLifespans) > 0 {
			if si.sentLifespans == nil {
				si.sentLifespans = make(map[task.Lifespan]bool)
			}
			for lifespan := range si.pendingLifespans {
				si.sentLifespans[lifespan] = true
			}
			si.pendingLifespans = nil
		}
	}

	h.sentUpdateCount = h.pendingUpdateCount
	return req, h.sentUpdateCount
}

// PendingCount returns the current value of pendingUpdateCount, so
// UpdateSender can decide whether local intent changed since the last
// snapshot it sent.
func (h *TaskHandle) PendingCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pendingUpdateCount
}
