package hrflow

import (
	"fmt"
	"time"

	"github.com/agentichr/hrflow/pkg/activity"
)

// Signal names and decision deadlines for the leave approval workflow.
const (
	SignalManagerDecision = "manager_decision"
	SignalHRDecision      = "hr_decision"

	ManagerDecisionTimeout = 7 * 24 * time.Hour
	HRDecisionTimeout      = 3 * 24 * time.Hour
)

// State labels reported by GetStatus while a leave request is in flight.
const (
	StateAwaitingManager = "AwaitingManager"
	StateAwaitingHR      = "AwaitingHR"
	StateApproved        = "Approved"
	StateRejected        = "Rejected"
)

// LeaveApprovalInput seeds a leave approval instance.
type LeaveApprovalInput struct {
	RequestID     int    `json:"requestId"`
	EmployeeID    int    `json:"employeeId"`
	EmployeeEmail string `json:"employeeEmail"`
	EmployeeName  string `json:"employeeName"`
	ManagerID     int    `json:"managerId"`
	ManagerEmail  string `json:"managerEmail"`
	HRRequired    bool   `json:"hrRequired"`
	HRID          int    `json:"hrId"`
	HREmail       string `json:"hrEmail"`
	LeaveType     string `json:"leaveType"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	Days          int    `json:"days"`
	Reason        string `json:"reason"`
}

// LeaveDecision is the body of a manager_decision or hr_decision signal.
type LeaveDecision struct {
	Approved   bool   `json:"approved"`
	ApproverID int    `json:"approverId"`
	Comments   string `json:"comments,omitempty"`
}

// LeaveApprovalResult is the terminal result of a leave approval
// instance.
type LeaveApprovalResult struct {
	Status        string `json:"status"`
	ApprovedBy    int    `json:"approvedBy,omitempty"`
	FinalApprover int    `json:"finalApprover,omitempty"`
	RejectedBy    int    `json:"rejectedBy,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// leaveRetry is the retry policy for all leave approval activities.
var leaveRetry = Retry(3).WithExponentialBackoff(time.Second, 2.0, 10*time.Second).Policy()

// LeaveApproval runs a leave request through manager approval, optional
// HR approval, and decision recording. Each approval stage waits on a
// decision signal guarded by a durable timer; an expired timer
// auto-rejects the request with reason "timeout".
func LeaveApproval(wf *WorkflowContext) error {
	var in LeaveApprovalInput
	if err := wf.Input(&in); err != nil {
		return err
	}

	wf.SetState(StateAwaitingManager)

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.ManagerID,
		RecipientEmail: in.ManagerEmail,
		Template:       "leave_approval_pending",
		Subject:        fmt.Sprintf("Leave Approval Required - %s", in.EmployeeName),
		Data: map[string]any{
			"employee_name": in.EmployeeName,
			"leave_type":    in.LeaveType,
			"start_date":    in.StartDate,
			"end_date":      in.EndDate,
			"days":          in.Days,
			"reason":        in.Reason,
		},
	}, leaveRetry); err != nil {
		return err
	}

	managerOut, err := wf.WaitForSignal(SignalManagerDecision, ManagerDecisionTimeout)
	if err != nil {
		return err
	}

	decision, err := resolveDecision(wf, in, managerOut, "manager")
	if err != nil {
		return err
	}
	if !decision.Approved {
		return rejectLeave(wf, in, decision, managerOut.TimedOut)
	}

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.EmployeeID,
		RecipientEmail: in.EmployeeEmail,
		Template:       "leave_manager_approved",
		Subject:        "Leave Request Update - Manager Approved",
		Data: map[string]any{
			"employee_name": in.EmployeeName,
			"leave_type":    in.LeaveType,
			"hr_required":   in.HRRequired,
		},
	}, leaveRetry); err != nil {
		return err
	}

	approvedBy := decision.ApproverID
	finalApprover := decision.ApproverID

	if in.HRRequired {
		wf.SetState(StateAwaitingHR)

		if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
			RecipientID:    in.HRID,
			RecipientEmail: in.HREmail,
			Template:       "leave_hr_approval_pending",
			Subject:        fmt.Sprintf("HR Approval Required - %s", in.EmployeeName),
			Data: map[string]any{
				"employee_name": in.EmployeeName,
				"leave_type":    in.LeaveType,
				"start_date":    in.StartDate,
				"end_date":      in.EndDate,
				"days":          in.Days,
				"approved_by":   approvedBy,
			},
		}, leaveRetry); err != nil {
			return err
		}

		hrOut, err := wf.WaitForSignal(SignalHRDecision, HRDecisionTimeout)
		if err != nil {
			return err
		}

		hrDecision, err := resolveDecision(wf, in, hrOut, "HR")
		if err != nil {
			return err
		}
		if !hrDecision.Approved {
			return rejectLeave(wf, in, hrDecision, hrOut.TimedOut)
		}
		finalApprover = hrDecision.ApproverID
	}

	wf.SetState(StateApproved)

	if _, err := wf.ExecuteActivity("recordDecision", activity.RecordDecisionArgs{
		RequestID:  in.RequestID,
		Status:     "approved",
		ApproverID: finalApprover,
		Comments:   "Approved",
	}, leaveRetry); err != nil {
		return err
	}

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.EmployeeID,
		RecipientEmail: in.EmployeeEmail,
		Template:       "leave_final_approved",
		Subject:        "Leave Request Approved",
		Data: map[string]any{
			"employee_name": in.EmployeeName,
			"leave_type":    in.LeaveType,
			"start_date":    in.StartDate,
			"end_date":      in.EndDate,
		},
	}, leaveRetry); err != nil {
		return err
	}

	return wf.SetResult(LeaveApprovalResult{
		Status:        "approved",
		ApprovedBy:    approvedBy,
		FinalApprover: finalApprover,
	})
}

// resolveDecision turns a signal outcome into a decision. A timeout
// notifies the employee and produces an auto-rejection with reason
// "timeout".
func resolveDecision(wf *WorkflowContext, in LeaveApprovalInput, out SignalOutcome, stage string) (LeaveDecision, error) {
	if out.TimedOut {
		if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
			RecipientID:    in.EmployeeID,
			RecipientEmail: in.EmployeeEmail,
			Template:       "leave_timeout_rejected",
			Subject:        "Leave Request Auto-Rejected",
			Data: map[string]any{
				"employee_name": in.EmployeeName,
				"leave_type":    in.LeaveType,
				"stage":         stage,
			},
		}, leaveRetry); err != nil {
			return LeaveDecision{}, err
		}
		return LeaveDecision{
			Approved: false,
			Comments: fmt.Sprintf("Auto-rejected due to %s approval timeout", stage),
		}, nil
	}

	var decision LeaveDecision
	if err := out.Decode(&decision); err != nil {
		return LeaveDecision{}, fmt.Errorf("decode %s decision: %w", stage, err)
	}
	return decision, nil
}

func rejectLeave(wf *WorkflowContext, in LeaveApprovalInput, decision LeaveDecision, timedOut bool) error {
	wf.SetState(StateRejected)

	reason := decision.Comments
	if reason == "" {
		reason = "rejected"
	}

	if _, err := wf.ExecuteActivity("recordDecision", activity.RecordDecisionArgs{
		RequestID:  in.RequestID,
		Status:     "rejected",
		ApproverID: decision.ApproverID,
		Comments:   reason,
	}, leaveRetry); err != nil {
		return err
	}

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.EmployeeID,
		RecipientEmail: in.EmployeeEmail,
		Template:       "leave_rejected",
		Subject:        "Leave Request Rejected",
		Data: map[string]any{
			"employee_name": in.EmployeeName,
			"leave_type":    in.LeaveType,
			"reason":        reason,
		},
	}, leaveRetry); err != nil {
		return err
	}

	result := LeaveApprovalResult{Status: "rejected", Reason: reason}
	if timedOut {
		result.Reason = "timeout"
	} else {
		result.RejectedBy = decision.ApproverID
	}
	return wf.SetResult(result)
}
