package blockstm

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// FinishExecFlags tells FinishExecution what the just-finished incarnation
// observed, so the scheduler can decide which higher transactions, if any,
// need (re-)validation.
type FinishExecFlags uint8

const (
	// FlagNeedValidation means this incarnation belongs to a transaction
	// other than the block's first and was not a lazy transfer, and so must
	// itself be validated before it can be considered final.
	FlagNeedValidation FinishExecFlags = 1 << iota
	// FlagWroteNewLocation means the write set contains a location the
	// previous incarnation of this transaction did not write, so higher
	// transactions that might read it need to be (re-)validated too.
	FlagWroteNewLocation
)

func (f FinishExecFlags) has(bit FinishExecFlags) bool { return f&bit != 0 }

// Scheduler coordinates execution and validation tasks among worker
// goroutines. Workers pick tasks by advancing the smaller of the execution
// and validation counters until they find one that is ready; redoing a
// task for a transaction lowers the relevant counter back down to that
// transaction's index.
//
// An incarnation may write to a location a higher transaction already
// read, so finishing an incarnation can create validation tasks for
// everything above it. Validation runs optimistically and in parallel:
// catching a failed validation and aborting as early as possible matters,
// since anything that read from an aborting incarnation must abort too.
type Scheduler struct {
	blockSize int

	status     []sync.Mutex
	txStatus   []TxStatus
	dependents []struct {
		mu  sync.Mutex
		ids []TxIdx
	}

	executionIdx    atomic.Int64
	validationIdx   atomic.Int64
	minValidationIdx atomic.Int64
	numValidated    atomic.Int64
	aborted         atomic.Bool
}

// NewScheduler builds a Scheduler for a block of blockSize transactions.
// Validation starts parked at blockSize: the caller won't bother
// validating until the executor finds the first transaction that actually
// needs an explicit (non-lazy) read, and the first transaction in a block
// is never validated against anything.
func NewScheduler(blockSize int) *Scheduler {
	s := &Scheduler{
		blockSize:  blockSize,
		status:     make([]sync.Mutex, blockSize),
		txStatus:   make([]TxStatus, blockSize),
		dependents: make([]struct {
			mu  sync.Mutex
			ids []TxIdx
		}, blockSize),
	}
	s.validationIdx.Store(int64(blockSize))
	s.minValidationIdx.Store(int64(blockSize))
	return s
}

// Abort marks the scheduler as aborted, typically due to a fatal
// (non-retriable) execution error; every worker's NextTask loop observes
// this and returns immediately.
func (s *Scheduler) Abort() { s.aborted.Store(true) }

func (s *Scheduler) tryExecute(txIdx TxIdx) (TxVersion, bool) {
	if int(txIdx) >= s.blockSize {
		return TxVersion{}, false
	}
	s.status[txIdx].Lock()
	defer s.status[txIdx].Unlock()
	tx := &s.txStatus[txIdx]
	if tx.Status == StatusReadyToExecute {
		tx.Status = StatusExecuting
		return TxVersion{TxIdx: txIdx, Incarnation: tx.Incarnation}, true
	}
	return TxVersion{}, false
}

// NextTask returns the next unit of work a worker should perform, or
// (Task{}, false) once every transaction has executed and been validated
// (or the scheduler was aborted).
func (s *Scheduler) NextTask() (Task, bool) {
	for !s.aborted.Load() {
		executionIdx := s.executionIdx.Load()
		validationIdx := s.validationIdx.Load()
		if executionIdx >= int64(s.blockSize) && validationIdx >= int64(s.blockSize) {
			if s.numValidated.Load() >= int64(s.blockSize)-s.minValidationIdx.Load() {
				return Task{}, false
			}
			runtime.Gosched()
			continue
		}

		// Prioritize validation to minimize re-execution.
		if validationIdx < executionIdx {
			txIdx := TxIdx(s.validationIdx.Add(1) - 1)
			if int(txIdx) < s.blockSize {
				s.status[txIdx].Lock()
				tx := &s.txStatus[txIdx]
				// Steal an execution job while holding the lock.
				if tx.Status == StatusReadyToExecute {
					tx.Status = StatusExecuting
					v := TxVersion{TxIdx: txIdx, Incarnation: tx.Incarnation}
					s.status[txIdx].Unlock()
					return Task{Kind: TaskExecution, Version: v}, true
				}
				if tx.Status == StatusExecuted || tx.Status == StatusValidated {
					v := TxVersion{TxIdx: txIdx, Incarnation: tx.Incarnation}
					s.status[txIdx].Unlock()
					return Task{Kind: TaskValidation, Version: v}, true
				}
				s.status[txIdx].Unlock()
				if tx.Status == StatusAborting {
					// Validation index is still catching up: loop and
					// refetch the latest counters before deciding again.
					continue
				}
				// Fall back to an execution task: the executing
				// incarnation will decide if validation is needed when
				// it finishes, redoing any validation task handed out
				// here anyway.
			}
		}

		if v, ok := s.tryExecute(TxIdx(s.executionIdx.Add(1) - 1)); ok {
			return Task{Kind: TaskExecution, Version: v}, true
		}
	}
	return Task{}, false
}

// AddDependency registers txIdx as a dependent of blockingTxIdx, so txIdx
// is resumed once the next incarnation of blockingTxIdx finishes. It
// returns false if blockingTxIdx already finished (Executed or Validated)
// before the dependency could be recorded - the caller must retry
// execution immediately in that case rather than wait forever.
func (s *Scheduler) AddDependency(txIdx, blockingTxIdx TxIdx) bool {
	s.status[blockingTxIdx].Lock()
	blocking := s.txStatus[blockingTxIdx]
	if blocking.Status == StatusExecuted || blocking.Status == StatusValidated {
		s.status[blockingTxIdx].Unlock()
		return false
	}
	s.status[blockingTxIdx].Unlock()

	s.status[txIdx].Lock()
	s.txStatus[txIdx].Status = StatusAborting
	s.status[txIdx].Unlock()

	d := &s.dependents[blockingTxIdx]
	d.mu.Lock()
	d.ids = append(d.ids, txIdx)
	d.mu.Unlock()
	return true
}

func (s *Scheduler) setReadyStatus(txIdx TxIdx) {
	s.status[txIdx].Lock()
	tx := &s.txStatus[txIdx]
	tx.Status = StatusReadyToExecute
	tx.Incarnation++
	s.status[txIdx].Unlock()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func fetchMinInt64(v *atomic.Int64, val int64) int64 {
	for {
		old := v.Load()
		if val >= old {
			return old
		}
		if v.CompareAndSwap(old, val) {
			return old
		}
	}
}

// FinishExecution reports that the incarnation identified by version just
// finished. It resumes any transaction that was waiting on this one,
// decides whether and where to schedule (re-)validation, and returns a
// validation task for the caller's own incarnation when it can be
// validated immediately in-line instead of through NextTask.
func (s *Scheduler) FinishExecution(version TxVersion, flags FinishExecFlags) (Task, bool) {
	s.status[version.TxIdx].Lock()
	tx := &s.txStatus[version.TxIdx]

	d := &s.dependents[version.TxIdx]
	d.mu.Lock()
	resume := d.ids
	d.ids = nil
	d.mu.Unlock()
	for _, depIdx := range resume {
		s.setReadyStatus(depIdx)
		fetchMinInt64(&s.executionIdx, int64(depIdx))
	}

	var minValidationIdx int64
	if flags.has(FlagNeedValidation) {
		prev := fetchMinInt64(&s.minValidationIdx, int64(version.TxIdx))
		minValidationIdx = minInt64(prev, int64(version.TxIdx))
	} else {
		minValidationIdx = s.minValidationIdx.Load()
	}

	if minValidationIdx < int64(s.blockSize) {
		if int64(version.TxIdx) < minValidationIdx {
			if flags.has(FlagWroteNewLocation) {
				fetchMinInt64(&s.validationIdx, minValidationIdx)
			}
		} else if int64(version.TxIdx) < s.validationIdx.Load() {
			if flags.has(FlagWroteNewLocation) {
				fetchMinInt64(&s.validationIdx, int64(version.TxIdx)+1)
			}
			if flags.has(FlagNeedValidation) {
				tx.Status = StatusExecuted
				s.status[version.TxIdx].Unlock()
				return Task{Kind: TaskValidation, Version: version}, true
			}
			tx.Status = StatusValidated
			s.numValidated.Add(1)
			s.status[version.TxIdx].Unlock()
			return Task{}, false
		}
		// Otherwise the current validation index is already at or below
		// this transaction: it will catch up on its own.
	}

	if flags.has(FlagNeedValidation) {
		tx.Status = StatusExecuted
	} else {
		tx.Status = StatusValidated
		s.numValidated.Add(1)
	}
	s.status[version.TxIdx].Unlock()
	return Task{}, false
}

// TryValidationAbort attempts to move txVersion's transaction into
// Aborting from Executed or Validated. It returns whether the attempt
// succeeded; the scheduler guarantees at most one failing validation per
// version can succeed, so the caller that gets true is the sole owner of
// the resulting abort.
func (s *Scheduler) TryValidationAbort(version TxVersion) bool {
	s.status[version.TxIdx].Lock()
	defer s.status[version.TxIdx].Unlock()
	tx := &s.txStatus[version.TxIdx]
	if tx.Status == StatusValidated {
		s.numValidated.Add(-1)
	}
	aborting := tx.Status == StatusExecuted || tx.Status == StatusValidated
	if aborting {
		tx.Status = StatusAborting
	}
	return aborting
}

// FinishValidation completes a validation attempt. If aborted is true the
// transaction is reset to ReadyToExecute at the next incarnation and
// re-validation is scheduled from the next index up; the caller may receive
// an immediate re-execution task back if nothing else has already picked
// it up. If aborted is false and the incarnation is still marked Executed,
// it is promoted to Validated.
func (s *Scheduler) FinishValidation(version TxVersion, aborted bool) (Task, bool) {
	if aborted {
		s.setReadyStatus(version.TxIdx)
		fetchMinInt64(&s.validationIdx, int64(version.TxIdx)+1)
		if s.executionIdx.Load() > int64(version.TxIdx) {
			if v, ok := s.tryExecute(version.TxIdx); ok {
				return Task{Kind: TaskExecution, Version: v}, true
			}
		}
		return Task{}, false
	}
	s.status[version.TxIdx].Lock()
	defer s.status[version.TxIdx].Unlock()
	tx := &s.txStatus[version.TxIdx]
	if tx.Status == StatusExecuted {
		tx.Status = StatusValidated
		s.numValidated.Add(1)
	}
	return Task{}, false
}

// Done reports whether every transaction has reached a terminal validated
// state. It is a convenience for tests; the executor itself relies on
// NextTask returning (Task{}, false).
func (s *Scheduler) Done() bool {
	return s.numValidated.Load() >= int64(s.blockSize)
}
