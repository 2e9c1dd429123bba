package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentichr/hrflow/pkg/api"
)

// replayState is the deterministic fold of one instance's history. It
// is rebuilt from scratch on every tick; nothing here is persisted.
type replayState struct {
	workflowType api.WorkflowType
	input        json.RawMessage
	startedAt    time.Time
	head         int64

	// Outcomes keyed by call-site index, fed to the workflow context.
	activities map[int]api.ActivityOutcome
	signals    map[int]api.SignalOutcome

	// scheduled holds call-sites with an ActivityScheduled event but no
	// outcome yet: a crash happened mid-execution and the activity must
	// be re-run for the same call-site.
	scheduled map[int]*api.ActivityScheduledAttrs

	// pendingTimer is the last TimerStarted with no TimerFired or
	// SignalReceived for its call-site; the instance is parked on it.
	pendingTimer *api.TimerStartedAttrs

	// activityNames maps call-sites to activity names for reporting.
	activityNames map[int]string

	// completedTasks lists completed activity names in history order.
	completedTasks []string

	terminal *api.HistoryEvent
}

// foldHistory replays events in sequence order into a replayState.
// History is the single source of truth: any derived state disagreement
// is a bug in the fold, never in the log.
func foldHistory(history []api.HistoryEvent) (*replayState, error) {
	st := &replayState{
		activities:    make(map[int]api.ActivityOutcome),
		signals:       make(map[int]api.SignalOutcome),
		scheduled:     make(map[int]*api.ActivityScheduledAttrs),
		activityNames: make(map[int]string),
	}

	for i := range history {
		ev := &history[i]
		if ev.Sequence != int64(i)+1 {
			return nil, fmt.Errorf("history gap: event %d has sequence %d", i, ev.Sequence)
		}
		st.head = ev.Sequence

		switch ev.Kind {
		case api.EventWorkflowStarted:
			if ev.WorkflowStarted == nil {
				return nil, fmt.Errorf("event %d: missing workflow_started attrs", ev.Sequence)
			}
			st.workflowType = ev.WorkflowStarted.WorkflowType
			st.input = ev.WorkflowStarted.Input
			st.startedAt = ev.Timestamp

		case api.EventActivityScheduled:
			a := ev.ActivityScheduled
			if a == nil {
				return nil, fmt.Errorf("event %d: missing activity_scheduled attrs", ev.Sequence)
			}
			st.scheduled[a.CallID] = a
			st.activityNames[a.CallID] = a.Name

		case api.EventActivityCompleted:
			a := ev.ActivityCompleted
			if a == nil {
				return nil, fmt.Errorf("event %d: missing activity_completed attrs", ev.Sequence)
			}
			delete(st.scheduled, a.CallID)
			st.activities[a.CallID] = api.ActivityOutcome{Result: a.Result}
			st.completedTasks = append(st.completedTasks, st.activityNames[a.CallID])

		case api.EventActivityFailed:
			a := ev.ActivityFailed
			if a == nil {
				return nil, fmt.Errorf("event %d: missing activity_failed attrs", ev.Sequence)
			}
			delete(st.scheduled, a.CallID)
			st.activities[a.CallID] = api.ActivityOutcome{Err: &api.ActivityError{
				Name:    st.activityNames[a.CallID],
				Kind:    a.Kind,
				Message: a.Message,
			}}

		case api.EventTimerStarted:
			if ev.TimerStarted == nil {
				return nil, fmt.Errorf("event %d: missing timer_started attrs", ev.Sequence)
			}
			st.pendingTimer = ev.TimerStarted

		case api.EventTimerFired:
			a := ev.TimerFired
			if a == nil {
				return nil, fmt.Errorf("event %d: missing timer_fired attrs", ev.Sequence)
			}
			st.signals[a.CallID] = api.SignalOutcome{TimedOut: true, FiredAt: a.FiredAt}
			if st.pendingTimer != nil && st.pendingTimer.CallID == a.CallID {
				st.pendingTimer = nil
			}

		case api.EventSignalReceived:
			a := ev.SignalReceived
			if a == nil {
				return nil, fmt.Errorf("event %d: missing signal_received attrs", ev.Sequence)
			}
			st.signals[a.CallID] = api.SignalOutcome{Body: a.Body, FiredAt: a.ReceivedAt}
			if st.pendingTimer != nil && st.pendingTimer.CallID == a.CallID {
				st.pendingTimer = nil
			}

		case api.EventWorkflowCompleted, api.EventWorkflowFailed:
			st.terminal = ev

		default:
			return nil, fmt.Errorf("event %d: unknown kind %q", ev.Sequence, ev.Kind)
		}
	}

	return st, nil
}

// status derives the instance status from the terminal event, if any.
func (st *replayState) status() api.Status {
	if st.terminal == nil {
		return api.StatusRunning
	}
	if st.terminal.Kind == api.EventWorkflowCompleted {
		return api.StatusCompleted
	}
	if st.terminal.WorkflowFailed != nil && st.terminal.WorkflowFailed.Kind == api.FailureKindTimeout {
		return api.StatusTimedOut
	}
	return api.StatusFailed
}

// newContext builds the workflow context for one replay pass over this
// fold.
func (st *replayState) newContext(instanceID string) *api.WorkflowContext {
	return api.NewWorkflowContext(instanceID, st.workflowType, st.input, st.activities, st.signals)
}
