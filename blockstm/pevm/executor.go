package pevm

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/blockstm/chain"
	"github.com/block-stm/pevm/blockstm/pevm/pevmcfg"
	"github.com/block-stm/pevm/blockstm/internal/xlog"
	"github.com/block-stm/pevm/blockstm/storage"
	"github.com/block-stm/pevm/blockstm/vm"
	"github.com/block-stm/pevm/common"
)

// TxResult is one transaction's execution outcome: its receipt plus every
// account it touched. A nil map value means the account was removed (self-
// destructed, or emptied post-EIP-161), matching the distinction the
// finalization pass and any state-commit layer built on this package need.
type TxResult struct {
	Receipt chain.Receipt
	State   map[common.Address]*storage.EvmAccount
}

// Executor runs a block's transactions against a Chain and Storage,
// choosing between the parallel Block-STM path and a plain sequential
// fallback the way the engine's own top-level entry point does.
type Executor struct {
	cfg pevmcfg.Config
}

// NewExecutor builds an Executor with the given tunables.
func NewExecutor(cfg pevmcfg.Config) *Executor {
	return &Executor{cfg: cfg}
}

// Execute runs one block. forceSequential skips the parallel path
// entirely, e.g. for blocks the caller already knows are small or highly
// interdependent.
func (e *Executor) Execute(
	store storage.Storage,
	c chain.Chain,
	header *chain.BlockHeader,
	txs []chain.Transaction,
	forceSequential bool,
) ([]TxResult, error) {
	spec, err := c.GetBlockSpec(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockSpec, err)
	}
	blockEnv := buildBlockEnv(header)

	if len(txs) == 0 {
		return nil, nil
	}
	txEnvs := make([]chain.TxEnv, len(txs))
	for i, tx := range txs {
		if tx == nil {
			return nil, ErrMissingTransactionData
		}
		env, err := c.GetTxEnv(tx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
		}
		txEnvs[i] = env
	}

	if forceSequential ||
		len(txEnvs) < e.cfg.TxCountThreshold ||
		header.GasUsed < e.cfg.GasThreshold {
		xlog.Debug("executing block sequentially", "block", header.Number, "txs", len(txEnvs), "forced", forceSequential)
		return e.executeSequential(store, c, spec, blockEnv, txEnvs)
	}
	xlog.Debug("executing block in parallel", "block", header.Number, "txs", len(txEnvs), "workers", e.cfg.ConcurrencyLevel)
	return e.executeParallel(store, c, spec, blockEnv, txEnvs)
}

func buildBlockEnv(header *chain.BlockHeader) chain.BlockEnv {
	env := chain.BlockEnv{
		Number:     header.Number,
		Coinbase:   header.Coinbase,
		Timestamp:  header.Timestamp,
		GasLimit:   header.GasLimit,
		Difficulty: header.Difficulty,
		PrevRandao: header.PrevRandao,
	}
	if header.BaseFee != nil {
		env.BaseFee = *header.BaseFee
	}
	return env
}

// abortState records the first fatal condition any worker observes, the
// way the engine's own OnceLock<AbortReason> does: whichever goroutine
// gets there first wins, and every other goroutine sees the same reason.
type abortState struct {
	set      atomic.Bool
	once     sync.Once
	fallback bool
	err      error
}

func (a *abortState) has() bool { return a.set.Load() }

func (a *abortState) setFallback() {
	a.once.Do(func() {
		a.fallback = true
		a.set.Store(true)
	})
}

func (a *abortState) setError(err error) {
	a.once.Do(func() {
		a.err = err
		a.set.Store(true)
	})
}

func (e *Executor) executeParallel(
	store storage.Storage,
	c chain.Chain,
	spec chain.SpecID,
	blockEnv chain.BlockEnv,
	txEnvs []chain.TxEnv,
) ([]TxResult, error) {
	blockSize := len(txEnvs)
	scheduler := blockstm.NewScheduler(blockSize)
	mv := c.BuildMvMemory(blockEnv, txEnvs)
	runner := vm.NewRunner(store, mv, c, blockEnv, txEnvs, spec)

	results := make([]*chain.ExecutionResult, blockSize)
	var abort abortState

	concurrency := e.cfg.ConcurrencyLevel
	if concurrency < 1 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			runWorker(runner, mv, scheduler, results, &abort)
			return nil
		})
	}
	_ = g.Wait()

	if abort.fallback {
		xlog.Warn("parallel execution aborted, falling back to sequential", "txs", blockSize)
		return e.executeSequential(store, c, spec, blockEnv, txEnvs)
	}
	if abort.err != nil {
		xlog.Error("parallel execution failed", "txs", blockSize, "err", abort.err)
		return nil, fmt.Errorf("%w: %v", ErrExecution, abort.err)
	}

	eip161 := c.IsEIP161Enabled(spec)
	txResults := make([]TxResult, blockSize)
	for i, r := range results {
		if r == nil {
			return nil, ErrUnreachable
		}
		txResults[i] = newTxResult(r, eip161)
	}

	if err := finalizeLazyAddresses(store, mv, txEnvs, txResults, c.IsEIP161Enabled(spec)); err != nil {
		return nil, err
	}
	return txResults, nil
}

func runWorker(
	runner *vm.Runner,
	mv *blockstm.MvMemory,
	scheduler *blockstm.Scheduler,
	results []*chain.ExecutionResult,
	abort *abortState,
) {
	task, ok := scheduler.NextTask()
	for ok {
		switch task.Kind {
		case blockstm.TaskExecution:
			task, ok = tryExecute(runner, scheduler, task.Version, results, abort)
		case blockstm.TaskValidation:
			task, ok = tryValidate(mv, scheduler, task.Version)
		}
		if abort.has() {
			return
		}
		if !ok {
			task, ok = scheduler.NextTask()
		}
	}
}

func tryExecute(
	runner *vm.Runner,
	scheduler *blockstm.Scheduler,
	version blockstm.TxVersion,
	results []*chain.ExecutionResult,
	abort *abortState,
) (blockstm.Task, bool) {
	for {
		res, err := runner.Execute(version)
		if err != nil {
			ee, ok := err.(*vm.ExecutionError)
			if !ok {
				scheduler.Abort()
				abort.setError(err)
				return blockstm.Task{}, false
			}
			switch ee.Outcome {
			case vm.OutcomeRetry:
				if !abort.has() {
					continue
				}
				return blockstm.Task{}, false
			case vm.OutcomeFallbackToSequential:
				scheduler.Abort()
				abort.setFallback()
				return blockstm.Task{}, false
			case vm.OutcomeBlocking:
				if !scheduler.AddDependency(version.TxIdx, ee.BlockingTxIdx) && !abort.has() {
					// The blocking transaction finished its next
					// incarnation before the dependency could be
					// recorded; retry immediately instead of waiting
					// for a wakeup that will never come.
					continue
				}
				return blockstm.Task{}, false
			default:
				scheduler.Abort()
				abort.setError(ee)
				return blockstm.Task{}, false
			}
		}
		results[version.TxIdx] = res.Execution
		return scheduler.FinishExecution(version, res.Flags)
	}
}

func tryValidate(mv *blockstm.MvMemory, scheduler *blockstm.Scheduler, version blockstm.TxVersion) (blockstm.Task, bool) {
	valid := mv.ValidateReadLocations(version.TxIdx)
	aborted := !valid && scheduler.TryValidationAbort(version)
	if aborted {
		mv.ConvertWritesToEstimates(version.TxIdx)
	}
	return scheduler.FinishValidation(version, aborted)
}

// executeSequential runs every transaction in order through the same
// vm.Runner and multi-version memory machinery as the parallel path, at
// incarnation 0 with no validation: reads at index i only ever see writes
// already recorded by indices below i, which is exactly a sequential
// execution's read semantics, so no dedicated single-threaded interpreter
// path is needed.
func (e *Executor) executeSequential(
	store storage.Storage,
	c chain.Chain,
	spec chain.SpecID,
	blockEnv chain.BlockEnv,
	txEnvs []chain.TxEnv,
) ([]TxResult, error) {
	blockSize := len(txEnvs)
	mv := c.BuildMvMemory(blockEnv, txEnvs)
	runner := vm.NewRunner(store, mv, c, blockEnv, txEnvs, spec)

	eip161 := c.IsEIP161Enabled(spec)
	txResults := make([]TxResult, blockSize)
	for i := 0; i < blockSize; i++ {
		version := blockstm.TxVersion{TxIdx: blockstm.TxIdx(i), Incarnation: 0}
		var res *vm.Result
		for {
			var err error
			res, err = runner.Execute(version)
			if err == nil {
				break
			}
			if ee, ok := err.(*vm.ExecutionError); ok && ee.Outcome == vm.OutcomeRetry {
				// No concurrent writer can be racing a sequential run;
				// an inconsistent read here can only mean the same
				// transaction's own prior incarnation left stale state,
				// which a bare retry resolves.
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}
		txResults[i] = newTxResult(res.Execution, eip161)
	}

	if err := finalizeLazyAddresses(store, mv, txEnvs, txResults, c.IsEIP161Enabled(spec)); err != nil {
		return nil, err
	}
	return txResults, nil
}

func newTxResult(r *chain.ExecutionResult, eip161 bool) TxResult {
	receipt := chain.Receipt{
		Status:            r.Success,
		CumulativeGasUsed: r.GasUsed,
		Logs:              r.Logs,
	}
	state := make(map[common.Address]*storage.EvmAccount, len(r.Touched))
	for addr, acc := range r.Touched {
		if acc.SelfDestructed || (eip161 && acc.Empty) {
			state[addr] = nil
			continue
		}
		ea := &storage.EvmAccount{
			Balance: acc.Balance,
			Nonce:   acc.Nonce,
			Storage: acc.ChangedStorage,
		}
		if len(acc.Code) > 0 {
			h := acc.CodeHash
			ea.CodeHash = &h
			ea.Code = acc.Code
		}
		state[addr] = ea
	}
	return TxResult{Receipt: receipt, State: state}
}
