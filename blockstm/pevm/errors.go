// Package pevm ties the scheduler, multi-version memory and vm.Runner
// together into the top-level parallel/sequential block executor.
package pevm

import "errors"

// ErrBlockSpec is returned when the chain cannot resolve a spec for the
// block header (e.g. a chain-specific field the Chain implementation
// requires is missing).
var ErrBlockSpec = errors.New("pevm: cannot resolve block spec")

// ErrMissingTransactionData is returned when the caller supplies a nil
// transaction.
var ErrMissingTransactionData = errors.New("pevm: missing transaction data")

// ErrInvalidTransaction is returned when a Chain cannot normalize a
// supplied Transaction into a TxEnv.
var ErrInvalidTransaction = errors.New("pevm: invalid transaction")

// ErrStorage is returned when the finalization pass cannot read a lazily
// updated account from Storage. A Storage read that fails while a
// transaction executes is not reported as ErrStorage: it is wrapped in
// ErrExecution.
var ErrStorage = errors.New("pevm: storage error")

// ErrExecution is returned when the chain-supplied EVM reports a hard
// execution error that is not one of the recoverable vm.Outcome kinds.
var ErrExecution = errors.New("pevm: execution error")

// ErrUnreachable marks an internal invariant violation: the scheduler or
// multi-version memory returned a state the executor has no policy for.
// Seeing this means a bug in the engine itself, not in caller input.
var ErrUnreachable = errors.New("pevm: unreachable state")
