package vm

import (
	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/blockstm/chain"
	"github.com/block-stm/pevm/blockstm/storage"
)

// Result is the outcome of one successful incarnation: the chain-level
// execution result (receipt material, touched accounts) plus the flags
// the scheduler needs to decide what happens next.
type Result struct {
	Execution *chain.ExecutionResult
	Flags     blockstm.FinishExecFlags
}

// Outcome classifies how Execute's caller should treat a non-nil error:
// retry the same incarnation, block on a lower transaction, give up on
// parallel execution entirely, or treat it as a hard failure.
type Outcome uint8

const (
	OutcomeRetry Outcome = iota
	OutcomeBlocking
	OutcomeFallbackToSequential
	OutcomeExecutionError
)

// ExecutionError wraps a failed incarnation with the Outcome that tells
// the caller how to react, mirroring the engine's VmExecutionError split.
type ExecutionError struct {
	Outcome       Outcome
	BlockingTxIdx blockstm.TxIdx
	Cause         error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "vm: execution error"
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func fromReadError(err *ReadError) *ExecutionError {
	switch err.Kind {
	case ErrKindInconsistentRead:
		return &ExecutionError{Outcome: OutcomeRetry, Cause: err}
	case ErrKindSelfDestructedAccount:
		return &ExecutionError{Outcome: OutcomeFallbackToSequential, Cause: err}
	case ErrKindBlocking:
		return &ExecutionError{Outcome: OutcomeBlocking, BlockingTxIdx: err.BlockingTxIdx, Cause: err}
	default:
		return &ExecutionError{Outcome: OutcomeExecutionError, Cause: err}
	}
}

// Runner drives one transaction's speculative execution: it builds a
// Database bound to the transaction's incarnation, hands it to the
// chain-supplied EVM, and turns the resulting touched-account state into a
// write set recorded into the multi-version memory.
type Runner struct {
	storage         storage.Storage
	mv              *blockstm.MvMemory
	chain           chain.Chain
	blockEnv        chain.BlockEnv
	txs             []chain.TxEnv
	spec            chain.SpecID
	beneficiaryHash blockstm.LocationHash
}

// NewRunner builds a Runner for one block.
func NewRunner(
	store storage.Storage,
	mv *blockstm.MvMemory,
	c chain.Chain,
	blockEnv chain.BlockEnv,
	txs []chain.TxEnv,
	spec chain.SpecID,
) *Runner {
	return &Runner{
		storage:         store,
		mv:              mv,
		chain:           c,
		blockEnv:        blockEnv,
		txs:             txs,
		spec:            spec,
		beneficiaryHash: blockstm.BeneficiaryHash(blockEnv.Coinbase),
	}
}

// Execute runs one incarnation of the transaction at version.TxIdx. On
// success it returns the chain execution result plus the flags to pass to
// Scheduler.FinishExecution, having already recorded the read and write
// sets into the multi-version memory. On failure the returned
// *ExecutionError's Outcome tells the caller how to recover.
func (r *Runner) Execute(version blockstm.TxVersion) (*Result, error) {
	tx := r.txs[version.TxIdx]
	fromHash := blockstm.BasicLocation(tx.Caller).Hash()
	var toHash *blockstm.LocationHash
	if tx.To != nil {
		h := blockstm.BasicLocation(*tx.To).Hash()
		toHash = &h
	}

	db, err := NewDatabase(r.mv, r.storage, r.blockEnv.Coinbase, version.TxIdx, tx, fromHash, toHash)
	if err != nil {
		if re, ok := err.(*ReadError); ok {
			return nil, fromReadError(re)
		}
		return nil, &ExecutionError{Outcome: OutcomeExecutionError, Cause: err}
	}

	evm := r.chain.BuildEVM(r.spec, r.blockEnv, tx, db)
	execResult, err := evm.Transact()
	if err != nil {
		if re, ok := err.(*ReadError); ok {
			return nil, fromReadError(re)
		}
		if isTransientTxError(err) && version.TxIdx > 0 {
			// Optimistically retry: an in-flight lower transaction may
			// still send this sender more funds, or raise the nonce it
			// needs, before it finishes executing.
			return nil, &ExecutionError{Outcome: OutcomeBlocking, BlockingTxIdx: version.TxIdx - 1, Cause: err}
		}
		return nil, &ExecutionError{Outcome: OutcomeExecutionError, Cause: err}
	}

	writes := make(blockstm.WriteSet, 0, 3)
	for address, account := range execResult.Touched {
		if account.SelfDestructed {
			writes = append(writes, blockstm.WriteEntry{
				Location: blockstm.CodeHashLocation(address).Hash(),
				Value:    blockstm.SelfDestructedValue(),
			})
			continue
		}

		accountLocHash := blockstm.BasicLocation(address).Hash()
		read, hasRead := db.readAccounts[accountLocHash]

		isNewCode := account.HasCode && (!hasRead || read.codeHash == nil)
		changed := !hasRead || read.basic.Nonce != account.Nonce || read.basic.Balance != account.Balance

		if isNewCode || !hasRead || changed {
			switch {
			case db.isLazy && accountLocHash == fromHash:
				writes = append(writes, blockstm.WriteEntry{
					Location: accountLocHash,
					Value:    blockstm.LazySenderValue(*satSub(&maxUint256, &account.Balance)),
				})
			case db.isLazy && toHash != nil && accountLocHash == *toHash:
				writes = append(writes, blockstm.WriteEntry{
					Location: accountLocHash,
					Value:    blockstm.LazyRecipientValue(tx.Value),
				})
			case !r.chain.IsEIP161Enabled(r.spec) || !account.Empty:
				// Empty accounts are pruned post-Spurious Dragon; a
				// non-write here is correct, since any later read falls
				// back through to storage and returns the zero account.
				writes = append(writes, blockstm.WriteEntry{
					Location: accountLocHash,
					Value:    blockstm.BasicValue(account.Balance, account.Nonce),
				})
			}
		}

		if isNewCode {
			writes = append(writes, blockstm.WriteEntry{
				Location: blockstm.CodeHashLocation(address).Hash(),
				Value:    blockstm.CodeHashValue(account.CodeHash),
			})
			r.mv.SetNewBytecode(account.CodeHash, account.Code)
		}

		for slot, value := range account.ChangedStorage {
			writes = append(writes, blockstm.WriteEntry{
				Location: blockstm.StorageLocation(address, slot).Hash(),
				Value:    blockstm.StorageValue(value),
			})
		}
	}

	if err := r.applyRewards(&writes, tx, execResult.GasUsed); err != nil {
		return nil, err
	}

	if db.isLazy {
		r.mv.AddLazyAddresses(tx.Caller, *tx.To)
	}

	var flags blockstm.FinishExecFlags
	if version.TxIdx > 0 && !db.isLazy {
		flags |= blockstm.FlagNeedValidation
	}
	if r.mv.Record(version, db.readSet, writes) {
		flags |= blockstm.FlagWroteNewLocation
	}

	return &Result{Execution: execResult, Flags: flags}, nil
}

// applyRewards folds the chain's fee/reward policy into the write set,
// adding to an existing entry for the same location rather than appending
// a second write to it.
func (r *Runner) applyRewards(writes *blockstm.WriteSet, tx chain.TxEnv, gasUsed uint64) error {
	gasPrice := tx.GasPrice
	if tx.GasPriorityFee != nil {
		tip := satAdd(tx.GasPriorityFee, &r.blockEnv.BaseFee)
		if tx.GasPrice.Cmp(tip) < 0 {
			gasPrice = tx.GasPrice
		} else {
			gasPrice = *tip
		}
	}
	if r.chain.IsEIP1559Enabled(r.spec) {
		gasPrice = *satSub(&gasPrice, &r.blockEnv.BaseFee)
	}

	rewards := r.chain.GetRewards(r.beneficiaryHash, gasUsed, gasPrice, tx)

	for _, reward := range rewards {
		found := false
		for i := range *writes {
			entry := &(*writes)[i]
			if entry.Location != reward.Location {
				continue
			}
			found = true
			switch entry.Value.Kind {
			case blockstm.ValueBasic:
				entry.Value.Basic.Balance = *satAdd(&entry.Value.Basic.Balance, &reward.Amount)
			case blockstm.ValueLazySender:
				entry.Value.Delta = *satSub(&entry.Value.Delta, &reward.Amount)
			case blockstm.ValueLazyRecipient:
				entry.Value.Delta = *satAdd(&entry.Value.Delta, &reward.Amount)
			default:
				return &ExecutionError{Outcome: OutcomeExecutionError, Cause: errInvalidMemoryValueType}
			}
			break
		}
		if !found {
			*writes = append(*writes, blockstm.WriteEntry{
				Location: reward.Location,
				Value:    blockstm.LazyRecipientValue(reward.Amount),
			})
		}
	}
	return nil
}

// TransientTxError is the interface a chain-supplied EVM's transaction
// errors may implement to mark themselves as safe to retry against an
// in-flight lower transaction, rather than a hard failure (the two cases
// the source chain distinguishes are insufficient sender balance for the
// max fee, and a nonce that is too high given the sender's current state).
type TransientTxError interface {
	error
	Transient() bool
}

func isTransientTxError(err error) bool {
	t, ok := err.(TransientTxError)
	return ok && t.Transient()
}
