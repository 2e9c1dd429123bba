// Package hrflow is a durable workflow orchestration core for HR
// processes with humans in the loop.
//
// Workflow code is written as plain Go functions over a
// WorkflowContext. The engine never keeps a running instance in
// memory: every activity result, signal and timer is an event in an
// append-only history, and progress is made by deterministically
// replaying that history and resuming from the first unrecorded
// suspension point. A process crash between any two events loses
// nothing.
//
// Two workflow types ship built in: LeaveApproval (manager approval,
// optional HR approval, 7- and 3-day decision deadlines) and
// Onboarding (phased provisioning with escalating reminders for
// overdue manual tasks).
//
// A minimal embedded setup:
//
//	rt, err := hrflow.NewInMemoryRuntime(hrflow.RuntimeConfig{
//		CollaboratorBaseURL: "http://hr-services.internal",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go rt.Run(ctx)
//
//	report, err := rt.StartWorkflow(ctx, "leave-42", hrflow.TypeLeaveApproval, hrflow.LeaveApprovalInput{
//		RequestID:  42,
//		EmployeeID: 7,
//		ManagerID:  3,
//		Days:       3,
//	})
//
// Decisions arrive later as signals:
//
//	err = rt.SendSignal(ctx, "leave-42", hrflow.SignalManagerDecision, hrflow.LeaveDecision{
//		Approved:   true,
//		ApproverID: 99,
//	})
//
// Durable backends (SQLite, PostgreSQL, Redis-backed dispatch) are
// selected through NewSQLiteRuntime and NewPostgresRuntime; cmd/hrflowd
// serves the same operations over HTTP.
package hrflow
