package hrflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentichr/hrflow/pkg/activity"
	"github.com/agentichr/hrflow/pkg/api"
)

// Manual onboarding tasks confirmed by signals of the same name, and
// the initial escalation deadlines for each group. An overdue task is
// escalated to HR and the wait re-arms with a doubled deadline; it
// never aborts the workflow.
const (
	TaskSystemAccess  = "system_access_setup"
	TaskEmailAccount  = "email_account_setup"
	TaskDocumentation = "documentation_complete"
	TaskBenefits      = "benefits_enrollment"
	TaskManagerIntro  = "manager_introduction"

	ITTaskTimeout       = 3 * 24 * time.Hour
	HRTaskTimeout       = 5 * 24 * time.Hour
	ManagerIntroTimeout = 2 * 24 * time.Hour
)

// Onboarding phase labels reported by GetStatus.
const (
	StateCoreSetup    = "CoreSetup"
	StateITSetup      = "ITSetup"
	StateHRSetup      = "HRSetup"
	StateManagerIntro = "ManagerIntro"
	StateCompletion   = "Completion"
)

// OnboardingInput seeds an onboarding instance.
type OnboardingInput struct {
	FullName     string   `json:"fullName"`
	Email        string   `json:"email"`
	Phone        string   `json:"phone,omitempty"`
	Department   string   `json:"department"`
	Position     string   `json:"position"`
	StartDate    string   `json:"startDate"`
	ManagerID    int      `json:"managerId"`
	ManagerEmail string   `json:"managerEmail"`
	HRID         int      `json:"hrId"`
	HREmail      string   `json:"hrEmail"`
	Equipment    []string `json:"equipment,omitempty"`
	SystemAccess []string `json:"systemAccess,omitempty"`
	EmployeeType string   `json:"employeeType,omitempty"`
}

// TaskCompletion is the body of a task confirmation signal.
type TaskCompletion struct {
	TaskID      string `json:"taskId"`
	CompletedBy int    `json:"completedBy"`
	Notes       string `json:"notes,omitempty"`
}

// OnboardingResult is the terminal result of an onboarding instance.
type OnboardingResult struct {
	Status     string `json:"status"`
	EmployeeID int    `json:"employeeId"`
	StartDate  string `json:"startDate"`
}

var onboardingRetry = Retry(3).WithExponentialBackoff(time.Second, 2.0, 30*time.Second).Policy()

// Onboarding walks a new hire through core record setup, IT and HR
// provisioning, manager introduction, and completion notifications.
// Core setup failures notify HR and fail the instance; everything
// after core setup tolerates overdue manual tasks via escalation.
func Onboarding(wf *WorkflowContext) error {
	var in OnboardingInput
	if err := wf.Input(&in); err != nil {
		return err
	}

	employeeID, err := coreSetup(wf, in)
	if err != nil {
		if aerr, ok := api.AsActivityError(err); ok {
			return failOnboarding(wf, in, aerr)
		}
		return err
	}

	if err := itSetup(wf, in, employeeID); err != nil {
		return err
	}
	if err := hrSetup(wf, in, employeeID); err != nil {
		return err
	}
	if err := managerIntroduction(wf, in, employeeID); err != nil {
		return err
	}
	if err := completion(wf, in, employeeID); err != nil {
		return err
	}

	return wf.SetResult(OnboardingResult{
		Status:     "completed",
		EmployeeID: employeeID,
		StartDate:  in.StartDate,
	})
}

// coreSetup creates the employee record and user account, then tells
// HR the core records exist. Returns the new employee ID.
func coreSetup(wf *WorkflowContext, in OnboardingInput) (int, error) {
	wf.SetState(StateCoreSetup)

	first, last := splitName(in.FullName)
	raw, err := wf.ExecuteActivity("createEmployeeRecord", activity.EmployeeRecordArgs{
		FirstName:  first,
		LastName:   last,
		Email:      in.Email,
		Department: in.Department,
		Position:   in.Position,
		StartDate:  in.StartDate,
	}, onboardingRetry)
	if err != nil {
		return 0, err
	}

	var employee struct {
		ID int `json:"id"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &employee); err != nil {
			return 0, fmt.Errorf("decode employee record: %w", err)
		}
	}

	if _, err := wf.ExecuteActivity("createUserAccount", activity.UserAccountArgs{
		Email:     in.Email,
		FirstName: first,
		LastName:  last,
		Role:      "employee",
	}, onboardingRetry); err != nil {
		return 0, err
	}

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.HRID,
		RecipientEmail: in.HREmail,
		Template:       "onboarding_core_complete",
		Subject:        fmt.Sprintf("Core Setup Complete - %s", in.FullName),
		Data: map[string]any{
			"employee_name": in.FullName,
			"employee_id":   employee.ID,
			"start_date":    in.StartDate,
		},
	}, onboardingRetry); err != nil {
		return 0, err
	}

	return employee.ID, nil
}

// itSetup provisions equipment and workspace, then waits for the
// manual IT tasks to be confirmed.
func itSetup(wf *WorkflowContext, in OnboardingInput, employeeID int) error {
	wf.SetState(StateITSetup)

	if len(in.Equipment) > 0 {
		if _, err := wf.ExecuteActivity("assignEquipment", activity.EquipmentArgs{
			EmployeeID: employeeID,
			Equipment:  in.Equipment,
		}, onboardingRetry); err != nil {
			return err
		}
	}

	if _, err := wf.ExecuteActivity("setupWorkspace", activity.WorkspaceArgs{
		EmployeeID: employeeID,
		Department: in.Department,
	}, onboardingRetry); err != nil {
		return err
	}

	for _, task := range []string{TaskSystemAccess, TaskEmailAccount} {
		if err := awaitTask(wf, in, task, "IT", ITTaskTimeout); err != nil {
			return err
		}
	}
	return nil
}

// hrSetup schedules orientation, generates the ID card, and waits for
// the manual HR tasks.
func hrSetup(wf *WorkflowContext, in OnboardingInput, employeeID int) error {
	wf.SetState(StateHRSetup)

	if _, err := wf.ExecuteActivity("scheduleOrientation", activity.OrientationArgs{
		EmployeeID: employeeID,
		StartDate:  in.StartDate,
	}, onboardingRetry); err != nil {
		return err
	}

	if _, err := wf.ExecuteActivity("generateEmployeeIDCard", activity.IDCardArgs{
		EmployeeID: employeeID,
	}, onboardingRetry); err != nil {
		return err
	}

	for _, task := range []string{TaskDocumentation, TaskBenefits} {
		if err := awaitTask(wf, in, task, "HR", HRTaskTimeout); err != nil {
			return err
		}
	}
	return nil
}

func managerIntroduction(wf *WorkflowContext, in OnboardingInput, employeeID int) error {
	wf.SetState(StateManagerIntro)

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.ManagerID,
		RecipientEmail: in.ManagerEmail,
		Template:       "new_employee_manager_intro",
		Subject:        fmt.Sprintf("New Team Member - %s", in.FullName),
		Data: map[string]any{
			"employee_name":  in.FullName,
			"employee_email": in.Email,
			"employee_id":    employeeID,
			"position":       in.Position,
			"department":     in.Department,
			"start_date":     in.StartDate,
		},
	}, onboardingRetry); err != nil {
		return err
	}

	return awaitTask(wf, in, TaskManagerIntro, "Manager", ManagerIntroTimeout)
}

func completion(wf *WorkflowContext, in OnboardingInput, employeeID int) error {
	wf.SetState(StateCompletion)

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    employeeID,
		RecipientEmail: in.Email,
		Template:       "employee_welcome",
		Subject:        fmt.Sprintf("Welcome aboard, %s!", in.FullName),
		Data: map[string]any{
			"employee_name": in.FullName,
			"position":      in.Position,
			"department":    in.Department,
			"start_date":    in.StartDate,
			"manager_email": in.ManagerEmail,
			"hr_email":      in.HREmail,
		},
	}, onboardingRetry); err != nil {
		return err
	}

	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.HRID,
		RecipientEmail: in.HREmail,
		Template:       "onboarding_complete",
		Subject:        fmt.Sprintf("Onboarding Complete - %s", in.FullName),
		Data: map[string]any{
			"employee_name": in.FullName,
			"employee_id":   employeeID,
			"start_date":    in.StartDate,
		},
	}, onboardingRetry); err != nil {
		return err
	}
	return nil
}

// awaitTask waits for a task confirmation signal. On timeout it sends
// an overdue escalation to HR and re-arms the wait with a doubled
// deadline; the loop only exits once the signal arrives.
func awaitTask(wf *WorkflowContext, in OnboardingInput, task, department string, timeout time.Duration) error {
	wait := timeout
	for {
		out, err := wf.WaitForSignal(task, wait)
		if err != nil {
			return err
		}
		if !out.TimedOut {
			return nil
		}

		if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
			RecipientID:    in.HRID,
			RecipientEmail: in.HREmail,
			Template:       "onboarding_task_overdue",
			Subject:        fmt.Sprintf("Onboarding Task Overdue - %s", in.FullName),
			Data: map[string]any{
				"employee_name": in.FullName,
				"task":          task,
				"department":    department,
				"overdue_after": wait.String(),
			},
		}, onboardingRetry); err != nil {
			return err
		}
		wait *= 2
	}
}

// failOnboarding reports a fatal setup failure to HR before surfacing
// the original error, which fails the instance.
func failOnboarding(wf *WorkflowContext, in OnboardingInput, aerr *api.ActivityError) error {
	if _, err := wf.ExecuteActivity("notify", activity.NotifyArgs{
		RecipientID:    in.HRID,
		RecipientEmail: in.HREmail,
		Template:       "onboarding_error",
		Subject:        fmt.Sprintf("Onboarding Workflow Error - %s", in.FullName),
		Data: map[string]any{
			"employee_name": in.FullName,
			"error":         aerr.Message,
			"activity":      aerr.Name,
		},
	}, onboardingRetry); err != nil {
		return err
	}
	return aerr
}

func splitName(full string) (first, last string) {
	first, last, ok := strings.Cut(strings.TrimSpace(full), " ")
	if !ok {
		return first, ""
	}
	return first, last
}
