package sagalite

// SagaID identifies a persisted saga within a namespace.
type SagaID string

func (s SagaID) String() string {
	return string(s)
}

// StepID identifies a step within its saga.
type StepID string

func (s StepID) String() string {
	return string(s)
}

// SagaStatus is the lifecycle state of a saga.
type SagaStatus string

const (
	SagaStatusUninitialized SagaStatus = "Uninitialized"
	SagaStatusCreated       SagaStatus = "Created"
	SagaStatusRunning       SagaStatus = "Running"
	SagaStatusFinished      SagaStatus = "Finished"
	SagaStatusFailed        SagaStatus = "Failed"
)

// Terminal reports whether the saga can never leave this state.
func (s SagaStatus) Terminal() bool {
	return s == SagaStatusFinished || s == SagaStatusFailed
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepStatusUninitialized          StepStatus = "Uninitialized"
	StepStatusCreated                StepStatus = "Created"
	StepStatusWaitingForCompensation StepStatus = "WaitingForCompensation"
	StepStatusQueued                 StepStatus = "Queued"
	StepStatusRunning                StepStatus = "Running"
	StepStatusFinished               StepStatus = "Finished"
	StepStatusFailed                 StepStatus = "Failed"
	StepStatusRolledBack             StepStatus = "RolledBack"
)

// SatisfiesDependency reports whether a step in this state unblocks its
// dependents. A rolled-back step only unblocks its own compensator, which is
// enqueued through the rollback path rather than the scheduler.
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepStatusFinished || s == StepStatusRolledBack
}

type trigger string

const (
	triggerStart    trigger = "Start"
	triggerComplete trigger = "Complete"
	triggerFail     trigger = "Fail"
	triggerEnqueue  trigger = "Enqueue"
	triggerDispatch trigger = "Dispatch"
	triggerFinish   trigger = "Finish"
	triggerRollback trigger = "Rollback"
)

// sagaRecord is the persisted shape of a saga in the "saga" table.
type sagaRecord struct {
	ID     string     `json:"id"`
	Status SagaStatus `json:"status"`
}

// stepRecord is the persisted shape of a step in its saga's step table.
// Args is fixed at creation; DependencyArgs is captured when the step is
// promoted to Queued and holds the results of DependsOn in declared order.
type stepRecord struct {
	ID             string     `json:"id"`
	WorkerName     string     `json:"workerName"`
	Args           []any      `json:"args"`
	DependsOn      []string   `json:"dependsOn"`
	Status         StepStatus `json:"status"`
	CompensatorID  string     `json:"compensatorId,omitempty"`
	Result         any        `json:"result,omitempty"`
	DependencyArgs []any      `json:"dependencyArgs,omitempty"`
}

const (
	tableMeta = "meta"
	tableSaga = "saga"
)

// stepTable names the per-saga step table. One table per saga keeps step
// enumeration a plain key listing instead of a filtered scan.
func stepTable(id SagaID) string {
	return "saga_step_" + string(id)
}
