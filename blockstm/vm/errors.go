package vm

import (
	"fmt"

	"github.com/block-stm/pevm/blockstm"
)

// ReadErrorKind is the taxonomy of errors a Database read can fail with,
// exactly as enumerated by the engine's error-handling design: each kind
// has a single, fixed recovery policy the caller applies by switching on
// it.
type ReadErrorKind uint8

const (
	// ErrKindStorage means the underlying Storage implementation itself
	// failed (e.g. an RPC call errored). Fatal: abort the block.
	ErrKindStorage ReadErrorKind = iota
	// ErrKindBlocking means this location was written by a lower, still
	// in-flight or aborting transaction. Recovered by the scheduler via
	// AddDependency.
	ErrKindBlocking
	// ErrKindInconsistentRead means a re-read observed a different or
	// differently-shaped origin chain than a previous read in the same
	// incarnation. Recovered by retrying the same incarnation.
	ErrKindInconsistentRead
	// ErrKindInvalidNonce means the block's first transaction (index 0)
	// carries a nonce that disagrees with its sender's nonce. Later
	// transactions with a mismatched nonce block on the previous index
	// instead. Fatal: abort the block.
	ErrKindInvalidNonce
	// ErrKindSelfDestructedAccount means a self-destructed account's code
	// hash was read; resetting all of its storage under optimistic
	// concurrency is not performant, so the whole block falls back to
	// sequential execution.
	ErrKindSelfDestructedAccount
	// ErrKindInvalidBytecode means stored bytecode could not be decoded.
	// Fatal: indicates storage corruption.
	ErrKindInvalidBytecode
	// ErrKindInvalidMemoryValueType means a location's write history held
	// a MemoryValue variant that cannot occur at that location. Fatal:
	// indicates an internal invariant violation.
	ErrKindInvalidMemoryValueType
)

// ReadError is returned by every Database method; its Kind tells the
// caller (ultimately Runner.Execute) how to react.
type ReadError struct {
	Kind          ReadErrorKind
	BlockingTxIdx blockstm.TxIdx
	Cause         error
}

func (e *ReadError) Error() string {
	switch e.Kind {
	case ErrKindBlocking:
		return fmt.Sprintf("vm: blocked on transaction %d", e.BlockingTxIdx)
	case ErrKindInconsistentRead:
		return "vm: inconsistent read"
	case ErrKindInvalidNonce:
		return fmt.Sprintf("vm: invalid nonce for transaction %d", e.BlockingTxIdx)
	case ErrKindSelfDestructedAccount:
		return "vm: read a self-destructed account"
	case ErrKindInvalidBytecode:
		return fmt.Sprintf("vm: invalid bytecode: %v", e.Cause)
	case ErrKindInvalidMemoryValueType:
		return "vm: invalid memory value type for this location"
	default:
		return fmt.Sprintf("vm: storage error: %v", e.Cause)
	}
}

func (e *ReadError) Unwrap() error { return e.Cause }

func blockingErr(idx blockstm.TxIdx) *ReadError {
	return &ReadError{Kind: ErrKindBlocking, BlockingTxIdx: idx}
}

func invalidNonceErr(idx blockstm.TxIdx) *ReadError {
	return &ReadError{Kind: ErrKindInvalidNonce, BlockingTxIdx: idx}
}

func storageErr(err error) *ReadError {
	return &ReadError{Kind: ErrKindStorage, Cause: err}
}

func invalidBytecodeErr(err error) *ReadError {
	return &ReadError{Kind: ErrKindInvalidBytecode, Cause: err}
}

var errInconsistentRead = &ReadError{Kind: ErrKindInconsistentRead}
var errSelfDestructedAccount = &ReadError{Kind: ErrKindSelfDestructedAccount}
var errInvalidMemoryValueType = &ReadError{Kind: ErrKindInvalidMemoryValueType}
