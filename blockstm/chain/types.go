// Package chain abstracts the chain-specific logic the executor needs but
// does not implement itself: fork/spec detection, transaction
// normalization, reward computation and receipt-root calculation. It is
// the narrow seam between the Block-STM engine and everything that is
// genuinely chain- or fork-specific, in the same spirit as go-ethereum's
// consensus/params split between generic chain machinery and per-fork
// rule tables.
package chain

import (
	"github.com/holiman/uint256"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/common"
)

// SpecID identifies a protocol upgrade ("hard fork"). The executor never
// branches on its value directly; it only asks the Chain whether a named
// rule (EIP-1559, EIP-161) is active for a given spec.
type SpecID uint8

const (
	SpecFrontier SpecID = iota
	SpecHomestead
	SpecTangerineWhistle
	SpecSpuriousDragon
	SpecByzantium
	SpecConstantinople
	SpecPetersburg
	SpecIstanbul
	SpecBerlin
	SpecLondon
	SpecParis
	SpecShanghai
	SpecCancun
)

// BlockHeader carries the subset of header fields the executor and chain
// logic need; it deliberately omits anything only consensus validation
// cares about (PoW mix digest, uncle hash, and so on).
type BlockHeader struct {
	Number       uint64
	Coinbase     common.Address
	Timestamp    uint64
	GasLimit     uint64
	GasUsed      uint64
	BaseFee      *uint256.Int
	Difficulty   uint256.Int
	PrevRandao   common.Hash
	ReceiptsRoot common.Hash
}

// BlockEnv is the normalized, EVM-ready view of a block's environment.
type BlockEnv struct {
	Number     uint64
	Coinbase   common.Address
	Timestamp  uint64
	GasLimit   uint64
	BaseFee    uint256.Int
	Difficulty uint256.Int
	PrevRandao common.Hash
}

// Transaction is the opaque, chain-specific transaction type the caller
// supplies; only the Chain implementation knows how to decode it into a
// TxEnv via GetTxEnv.
type Transaction any

// TxEnv is the normalized set of transaction fields the VM and the
// reward/lazy-balance logic need, independent of the wire encoding of the
// transaction that produced it.
type TxEnv struct {
	Caller         common.Address
	To             *common.Address // nil means contract creation
	Value          uint256.Int
	Nonce          *uint64 // nil means "do not enforce a specific nonce"
	GasLimit       uint64
	GasPrice       uint256.Int
	GasPriorityFee *uint256.Int
	Data           []byte
}

// AccountInfo is a concrete account snapshot as the EVM database
// understands it: balance, nonce, and (if the account is a contract) its
// code hash and code.
type AccountInfo struct {
	Balance  uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Code     []byte
}

// Database is the narrow read interface the external EVM is given; it is
// satisfied by blockstm/vm.Database, kept here (rather than imported from
// vm) so this package has no dependency on vm and Chain implementations
// can be written without ever importing the speculative executor.
type Database interface {
	Basic(address common.Address) (*AccountInfo, error)
	CodeByHash(codeHash common.Hash) ([]byte, error)
	HasStorage(address common.Address) (bool, error)
	Storage(address common.Address, slot uint256.Int) (uint256.Int, error)
	BlockHash(number uint64) (common.Hash, error)
}

// Log is a single EVM log entry, carried through to the receipt.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// TouchedAccount is everything the EVM reports about one account that
// participated in a transaction's execution.
type TouchedAccount struct {
	Balance  uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Code     []byte
	// HasCode reports whether this account carries contract code after
	// execution; combined with the executor's own read cache, this is
	// what decides whether a CodeHash write is actually a new deployment.
	HasCode        bool
	SelfDestructed bool
	Empty          bool // EIP-161 emptiness: zero balance, zero nonce, no code
	ChangedStorage map[uint256.Int]uint256.Int
}

// ExecutionResult is the outcome of one EVM transaction execution.
type ExecutionResult struct {
	Success bool
	GasUsed uint64
	Logs    []Log
	Touched map[common.Address]*TouchedAccount
}

// EVM is the black-box interpreter the core invokes but never
// implements; a Chain builds one bound to a particular Database,
// BlockEnv, spec and transaction via BuildEVM.
type EVM interface {
	Transact() (*ExecutionResult, error)
}

// Reward is one balance credit the chain's fee/reward policy wants
// applied on top of a transaction's ordinary write set (typically the
// beneficiary's gas payment, but a chain may add more, e.g. an L1 fee
// recipient).
type Reward struct {
	Location blockstm.LocationHash
	Amount   uint256.Int
}

// Receipt is the subset of receipt fields CalculateReceiptRoot needs.
type Receipt struct {
	Status            bool
	CumulativeGasUsed uint64
	Logs              []Log
}
