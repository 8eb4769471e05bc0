// Package storage defines the read-only view of pre-block chain state the
// executor consumes, plus an in-memory implementation for tests and an
// RPC-backed implementation with internal caching for production use.
package storage

import (
	"github.com/holiman/uint256"

	"github.com/block-stm/pevm/common"
)

// AccountBasic is an account's balance and nonce as read from storage,
// before any in-block writes are applied.
type AccountBasic struct {
	Balance uint256.Int
	Nonce   uint64
}

// EvmAccount is a full post-execution account snapshot: balance, nonce,
// code (if any) and every storage slot touched during the block. It is
// the unit the executor returns per touched address.
type EvmAccount struct {
	Balance uint256.Int
	Nonce   uint64
	CodeHash *common.Hash
	Code     []byte
	Storage  map[uint256.Int]uint256.Int
}

// Storage is the read-only, pre-block snapshot of chain state. It must be
// safe for concurrent reads from many worker goroutines; nothing in the
// executor ever calls a mutating method on it.
type Storage interface {
	// Basic returns an account's balance and nonce, or nil if the account
	// does not exist.
	Basic(address common.Address) (*AccountBasic, error)
	// CodeHash returns an account's code hash, or nil if it has no code.
	CodeHash(address common.Address) (*common.Hash, error)
	// CodeByHash returns the bytecode for a code hash, or nil if unknown.
	CodeByHash(codeHash common.Hash) ([]byte, error)
	// HasStorage reports whether an account has any non-zero storage
	// slots at all, letting callers skip per-slot lookups entirely.
	HasStorage(address common.Address) (bool, error)
	// Storage returns the value of one storage slot (zero if unset).
	Storage(address common.Address, slot uint256.Int) (uint256.Int, error)
	// BlockHash returns the hash of a prior block, for the BLOCKHASH
	// opcode.
	BlockHash(number uint64) (common.Hash, error)
}
