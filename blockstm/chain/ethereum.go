package chain

import (
	"errors"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/common"
)

// ErrUnsupportedTransaction is returned by GetTxEnv when the supplied
// Transaction is not the concrete type this Chain expects. Transaction
// decoding itself lives outside the core; a Chain only normalizes an
// already-decoded value.
var ErrUnsupportedTransaction = errors.New("chain: unsupported transaction type")

// EthTransaction is the already-decoded transaction shape the Ethereum
// chain implementation normalizes into a TxEnv.
type EthTransaction struct {
	From           common.Address
	To             *common.Address
	Value          uint256.Int
	Nonce          uint64
	HasNonce       bool
	GasLimit       uint64
	GasPrice       uint256.Int
	GasPriorityFee *uint256.Int
	Data           []byte
}

// EVMFactory builds the black-box EVM bound to one transaction's
// execution. The Ethereum chain type delegates to it rather than
// implementing opcode semantics itself.
type EVMFactory func(blockEnv BlockEnv, spec SpecID, tx TxEnv, db Database) EVM

// Ethereum is a concrete, mainnet-shaped Chain: Ethereum's own hard-fork
// schedule, EIP-1559/EIP-161 activation, and the plain per-tx gas-payment
// reward policy.
type Ethereum struct {
	id         uint64
	evmFactory EVMFactory
}

// NewEthereum builds a Chain for Ethereum mainnet (chain ID 1). evmFactory
// supplies the actual EVM interpreter, which is out of scope for this
// module.
func NewEthereum(evmFactory EVMFactory) *Ethereum {
	return &Ethereum{id: 1, evmFactory: evmFactory}
}

func (e *Ethereum) ID() uint64 { return e.id }

// Mainnet hard-fork activation points, hardcoded the way go-ethereum's own
// params.MainnetChainConfig does for historical forks.
const (
	londonBlock    = 12965000
	berlinBlock    = 12244000
	istanbulBlock  = 9069000
	petersburgBlock = 7280000
	byzantiumBlock = 4370000
	spuriousDragonBlock = 2675000
	tangerineWhistleBlock = 2463000
	homesteadBlock = 1150000

	mergeBlock         = 15537394
	shanghaiTimestamp  = 1681338455
	cancunTimestamp    = 1710338135
)

// GetBlockSpec resolves the fork active at header, using timestamp for
// post-Merge forks and block number for earlier ones, matching the
// ambiguity every Ethereum client has to resolve the same way once total
// difficulty is no longer reliably available from RPC providers.
func (e *Ethereum) GetBlockSpec(header *BlockHeader) (SpecID, error) {
	switch {
	case header.Timestamp >= cancunTimestamp:
		return SpecCancun, nil
	case header.Timestamp >= shanghaiTimestamp:
		return SpecShanghai, nil
	case header.Number >= mergeBlock:
		return SpecParis, nil
	case header.Number >= londonBlock:
		return SpecLondon, nil
	case header.Number >= berlinBlock:
		return SpecBerlin, nil
	case header.Number >= istanbulBlock:
		return SpecIstanbul, nil
	case header.Number >= petersburgBlock:
		return SpecPetersburg, nil
	case header.Number >= byzantiumBlock:
		return SpecByzantium, nil
	case header.Number >= spuriousDragonBlock:
		return SpecSpuriousDragon, nil
	case header.Number >= tangerineWhistleBlock:
		return SpecTangerineWhistle, nil
	case header.Number >= homesteadBlock:
		return SpecHomestead, nil
	default:
		return SpecFrontier, nil
	}
}

// GetTxEnv normalizes an EthTransaction into a TxEnv.
func (e *Ethereum) GetTxEnv(tx Transaction) (TxEnv, error) {
	t, ok := tx.(*EthTransaction)
	if !ok {
		return TxEnv{}, ErrUnsupportedTransaction
	}
	var nonce *uint64
	if t.HasNonce {
		n := t.Nonce
		nonce = &n
	}
	return TxEnv{
		Caller:         t.From,
		To:             t.To,
		Value:          t.Value,
		Nonce:          nonce,
		GasLimit:       t.GasLimit,
		GasPrice:       t.GasPrice,
		GasPriorityFee: t.GasPriorityFee,
		Data:           t.Data,
	}, nil
}

func (e *Ethereum) BuildEVM(spec SpecID, blockEnv BlockEnv, tx TxEnv, db Database) EVM {
	return e.evmFactory(blockEnv, spec, tx, db)
}

// BuildMvMemory pre-seeds the beneficiary's Basic location with an
// ESTIMATE marker at every transaction index: in a real block nearly
// every transaction pays the beneficiary, so treating it as contended
// from the start avoids a burst of doomed validations once the first
// payment actually lands.
func (e *Ethereum) BuildMvMemory(blockEnv BlockEnv, txs []TxEnv) *blockstm.MvMemory {
	blockSize := len(txs)
	beneficiaryHash := blockstm.BeneficiaryHash(blockEnv.Coinbase)

	estimated := map[blockstm.LocationHash][]blockstm.TxIdx{}
	if blockSize > 0 {
		idxs := make([]blockstm.TxIdx, blockSize)
		for i := range idxs {
			idxs[i] = blockstm.TxIdx(i)
		}
		estimated[beneficiaryHash] = idxs
	}

	return blockstm.NewMvMemory(blockSize, estimated, []common.Address{blockEnv.Coinbase})
}

// GetRewards returns the beneficiary's gas payment for a plain Ethereum
// block: gas_used * effective_gas_price, credited to beneficiaryHash.
func (e *Ethereum) GetRewards(beneficiaryHash blockstm.LocationHash, gasUsed uint64, effectiveGasPrice uint256.Int, tx TxEnv) []Reward {
	amount := new(uint256.Int).Mul(&effectiveGasPrice, new(uint256.Int).SetUint64(gasUsed))
	return []Reward{{Location: beneficiaryHash, Amount: *amount}}
}

func (e *Ethereum) IsEIP1559Enabled(spec SpecID) bool { return spec >= SpecLondon }
func (e *Ethereum) IsEIP161Enabled(spec SpecID) bool  { return spec >= SpecSpuriousDragon }

// CalculateReceiptRoot folds receipts into a single root by feeding their
// fields, in block order, into one keccak-256 hash. This is a deliberate simplification
// of Ethereum's real receipts trie (an RLP-keyed Merkle-Patricia trie):
// building and exercising a full MPT implementation is out of scope for
// this module (see DESIGN.md), and the spec states this function is used
// by tests only, never by the engine itself.
func (e *Ethereum) CalculateReceiptRoot(receipts []Receipt) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, r := range receipts {
		var status byte
		if r.Status {
			status = 1
		}
		h.Write([]byte{status})
		var gasBuf [8]byte
		putUint64(gasBuf[:], r.CumulativeGasUsed)
		h.Write(gasBuf[:])
		for _, l := range r.Logs {
			h.Write(l.Address[:])
			for _, t := range l.Topics {
				h.Write(t[:])
			}
			h.Write(l.Data)
		}
	}
	return common.BytesToHash(h.Sum(nil))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}
