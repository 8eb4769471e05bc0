package chain

import (
	"github.com/holiman/uint256"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/common"
)

// Chain is everything the executor needs to know about the target chain
// that is not itself part of the concurrency engine: which fork applies,
// how to normalize a transaction, how to build the EVM, which locations
// should be pre-seeded as hot, and how fees are rewarded.
type Chain interface {
	// ID returns the chain's EIP-155 identifier.
	ID() uint64

	// GetBlockSpec resolves which fork's rules apply to header.
	GetBlockSpec(header *BlockHeader) (SpecID, error)

	// GetTxEnv normalizes an opaque Transaction into a TxEnv.
	GetTxEnv(tx Transaction) (TxEnv, error)

	// BuildEVM constructs the black-box EVM bound to db for one
	// transaction's execution.
	BuildEVM(spec SpecID, blockEnv BlockEnv, tx TxEnv, db Database) EVM

	// BuildMvMemory constructs a multi-version memory for the block,
	// pre-seeded with ESTIMATE markers at hot locations (at minimum the
	// beneficiary's Basic location) and any addresses known in advance to
	// benefit from lazy updates.
	BuildMvMemory(blockEnv BlockEnv, txs []TxEnv) *blockstm.MvMemory

	// GetRewards computes the balance credits a transaction's execution
	// earns beyond its ordinary state changes: at minimum the
	// beneficiary's gas payment.
	GetRewards(beneficiaryHash blockstm.LocationHash, gasUsed uint64, effectiveGasPrice uint256.Int, tx TxEnv) []Reward

	// IsEIP1559Enabled reports whether the priority-fee/base-fee gas
	// pricing model is active for spec.
	IsEIP1559Enabled(spec SpecID) bool

	// IsEIP161Enabled reports whether empty accounts are pruned for spec.
	IsEIP161Enabled(spec SpecID) bool

	// CalculateReceiptRoot computes the root of receipts in block order.
	// Used by tests to check historical blocks, never by the engine
	// itself.
	CalculateReceiptRoot(receipts []Receipt) common.Hash
}
