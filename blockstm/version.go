package blockstm

// TxIdx is the 0-based position of a transaction in the block, defining
// commit order.
type TxIdx int

// TxIncarnation counts how many times a transaction has (re-)started
// execution; monotonic per TxIdx.
type TxIncarnation int

// TxVersion identifies one specific execution attempt of a transaction.
type TxVersion struct {
	TxIdx       TxIdx
	Incarnation TxIncarnation
}

// IncarnationStatus is the state of the current incarnation of a
// transaction's execution.
//
//	ReadyToExecute(i) --pickup--> Executing(i)
//	Executing(i) --finishExecution--> Executed(i)
//	Executing(i) --addDependency--> Aborting(i)
//	Executed(i) --tryValidationAbort--> Aborting(i)
//	Validated(i) --tryValidationAbort--> Aborting(i)
//	Executed(i) --validateOK--> Validated(i)
//	Aborting(i) --resume/finishValidation(aborted)--> ReadyToExecute(i+1)
type IncarnationStatus uint8

const (
	StatusReadyToExecute IncarnationStatus = iota
	StatusExecuting
	StatusExecuted
	StatusValidated
	StatusAborting
)

func (s IncarnationStatus) String() string {
	switch s {
	case StatusReadyToExecute:
		return "ReadyToExecute"
	case StatusExecuting:
		return "Executing"
	case StatusExecuted:
		return "Executed"
	case StatusValidated:
		return "Validated"
	case StatusAborting:
		return "Aborting"
	default:
		return "Unknown"
	}
}

// TxStatus is the per-transaction state: the current incarnation number
// and its status.
type TxStatus struct {
	Incarnation TxIncarnation
	Status      IncarnationStatus
}

// TaskKind distinguishes the two kinds of work the scheduler hands out.
type TaskKind uint8

const (
	TaskExecution TaskKind = iota
	TaskValidation
)

// Task is a unit of work returned by Scheduler.NextTask.
type Task struct {
	Kind    TaskKind
	Version TxVersion
}
