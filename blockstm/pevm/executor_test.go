package pevm

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/blockstm/chain"
	"github.com/block-stm/pevm/blockstm/pevm/pevmcfg"
	"github.com/block-stm/pevm/blockstm/storage"
	"github.com/block-stm/pevm/common"
)

const testGasLimit = 21000

// testTxError is the transient half of what a real chain reports as
// concrete InvalidTransaction variants (insufficient balance for the max
// fee, nonce too high): Runner.Execute only needs to know it is safe to
// retry against a lower, still in-flight transaction.
type testTxError struct{ msg string }

func (e *testTxError) Error() string   { return e.msg }
func (e *testTxError) Transient() bool { return true }

// testEVM is a minimal stand-in for a real interpreter: it moves value
// from caller to recipient (or charges gas only, for a self-transfer) at a
// fixed gas price, which is exactly the raw-transfer workload most of
// these tests exercise.
type testEVM struct {
	db      chain.Database
	tx      chain.TxEnv
	gasUsed uint64
}

func (e *testEVM) Transact() (*chain.ExecutionResult, error) {
	sender, err := e.db.Basic(e.tx.Caller)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, &testTxError{msg: "sender account does not exist"}
	}

	fee := new(uint256.Int).Mul(&e.tx.GasPrice, new(uint256.Int).SetUint64(e.gasUsed))
	total := new(uint256.Int).Add(fee, &e.tx.Value)
	if sender.Balance.Cmp(total) < 0 {
		return nil, &testTxError{msg: "insufficient balance for gas*price + value"}
	}

	touched := make(map[common.Address]*chain.TouchedAccount, 2)
	selfTransfer := e.tx.To != nil && *e.tx.To == e.tx.Caller

	if selfTransfer {
		newBalance := new(uint256.Int).Sub(&sender.Balance, fee)
		touched[e.tx.Caller] = &chain.TouchedAccount{
			Balance: *newBalance,
			Nonce:   sender.Nonce + 1,
			Empty:   newBalance.IsZero() && sender.Nonce+1 == 0,
		}
		return &chain.ExecutionResult{Success: true, GasUsed: e.gasUsed, Touched: touched}, nil
	}

	newSenderBalance := new(uint256.Int).Sub(&sender.Balance, total)
	touched[e.tx.Caller] = &chain.TouchedAccount{
		Balance: *newSenderBalance,
		Nonce:   sender.Nonce + 1,
		Empty:   newSenderBalance.IsZero() && sender.Nonce+1 == 0,
	}

	if e.tx.To != nil {
		recipientAddr := *e.tx.To
		recipient, err := e.db.Basic(recipientAddr)
		if err != nil {
			return nil, err
		}
		var balance uint256.Int
		var nonce uint64
		if recipient != nil {
			balance = recipient.Balance
			nonce = recipient.Nonce
		}
		newBalance := new(uint256.Int).Add(&balance, &e.tx.Value)
		touched[recipientAddr] = &chain.TouchedAccount{
			Balance: *newBalance,
			Nonce:   nonce,
			Empty:   newBalance.IsZero() && nonce == 0,
		}
	}

	return &chain.ExecutionResult{Success: true, GasUsed: e.gasUsed, Touched: touched}, nil
}

// testChain wires the engine to testEVM with plain pre-EIP-1559 fee
// accounting, so tests don't need a base-fee/priority-fee fixture.
type testChain struct{}

func (testChain) ID() uint64 { return 1337 }

func (testChain) GetBlockSpec(*chain.BlockHeader) (chain.SpecID, error) {
	return chain.SpecLondon, nil
}

func (testChain) GetTxEnv(tx chain.Transaction) (chain.TxEnv, error) {
	env, ok := tx.(chain.TxEnv)
	if !ok {
		return chain.TxEnv{}, errors.New("testChain: not a TxEnv")
	}
	return env, nil
}

func (testChain) BuildEVM(_ chain.SpecID, _ chain.BlockEnv, tx chain.TxEnv, db chain.Database) chain.EVM {
	return &testEVM{db: db, tx: tx, gasUsed: testGasLimit}
}

func (testChain) BuildMvMemory(blockEnv chain.BlockEnv, txs []chain.TxEnv) *blockstm.MvMemory {
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

func (testChain) GetRewards(beneficiaryHash blockstm.LocationHash, gasUsed uint64, effectiveGasPrice uint256.Int, tx chain.TxEnv) []chain.Reward {
	amount := new(uint256.Int).Mul(&effectiveGasPrice, new(uint256.Int).SetUint64(gasUsed))
	return []chain.Reward{{Location: beneficiaryHash, Amount: *amount}}
}

func (testChain) IsEIP1559Enabled(chain.SpecID) bool { return false }
func (testChain) IsEIP161Enabled(chain.SpecID) bool  { return true }
func (testChain) CalculateReceiptRoot([]chain.Receipt) common.Hash {
	return common.Hash{}
}

var _ chain.Chain = testChain{}

func blockAddr(i uint64) common.Address {
	var a common.Address
	for j := 0; j < 8; j++ {
		a[common.AddressLength-1-j] = byte(i >> (8 * j))
	}
	return a
}

func halfMaxBalance() uint256.Int {
	var max uint256.Int
	max.Not(&max)
	return *new(uint256.Int).Rsh(&max, 1)
}

func parallelCfg() pevmcfg.Config {
	return pevmcfg.Config{ConcurrencyLevel: 4, GasThreshold: 0, TxCountThreshold: 0}
}

func TestExecuteEmptyBlock(t *testing.T) {
	e := NewExecutor(pevmcfg.Default())
	header := &chain.BlockHeader{Number: 1}
	results, err := e.Execute(storage.NewInMemory(), testChain{}, header, nil, false)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestExecuteSingleSelfTransferSequentialAndParallelMatch(t *testing.T) {
	store := storage.NewInMemory()
	half := halfMaxBalance()
	beneficiary := common.Address{}
	store.SetAccount(beneficiary, half, 0)

	sender := blockAddr(1)
	store.SetAccount(sender, half, 1)

	nonce := uint64(1)
	txs := []chain.Transaction{chain.TxEnv{
		Caller: sender, To: &sender, Value: *uint256.NewInt(1),
		Nonce: &nonce, GasLimit: testGasLimit, GasPrice: *uint256.NewInt(1),
	}}

	header := &chain.BlockHeader{Number: 1, Coinbase: beneficiary, GasUsed: testGasLimit}
	e := NewExecutor(parallelCfg())

	seq, err := e.Execute(store, testChain{}, header, txs, true)
	require.NoError(t, err)
	par, err := e.Execute(store, testChain{}, header, txs, false)
	require.NoError(t, err)
	require.Equal(t, seq, par)

	require.Len(t, seq, 1)
	senderState := seq[0].State[sender]
	require.NotNil(t, senderState)
	require.Equal(t, uint64(2), senderState.Nonce)

	beneficiaryState := seq[0].State[beneficiary]
	require.NotNil(t, beneficiaryState)
	require.True(t, beneficiaryState.Balance.Gt(&half), "beneficiary must have been credited the gas fee")
}

// TestExecuteIndependentSelfTransfersSequentialAndParallelMatch mirrors the
// raw-transfer benchmark: many unrelated senders, each paying themselves,
// all crediting the same beneficiary. Scaled down from the 100,000-tx
// benchmark to keep the test fast while still exercising real contention on
// the beneficiary's lazily-updated balance.
func TestExecuteIndependentSelfTransfersSequentialAndParallelMatch(t *testing.T) {
	const blockSize = 300
	store := storage.NewInMemory()
	half := halfMaxBalance()
	beneficiary := common.Address{}
	store.SetAccount(beneficiary, half, 0)

	txs := make([]chain.Transaction, blockSize)
	for i := 1; i <= blockSize; i++ {
		a := blockAddr(uint64(i))
		store.SetAccount(a, half, 1)
		nonce := uint64(1)
		txs[i-1] = chain.TxEnv{
			Caller: a, To: &a, Value: *uint256.NewInt(1),
			Nonce: &nonce, GasLimit: testGasLimit, GasPrice: *uint256.NewInt(1),
		}
	}

	header := &chain.BlockHeader{Number: 1, Coinbase: beneficiary, GasUsed: uint64(blockSize) * testGasLimit}
	e := NewExecutor(parallelCfg())

	seq, err := e.Execute(store, testChain{}, header, txs, true)
	require.NoError(t, err)
	par, err := e.Execute(store, testChain{}, header, txs, false)
	require.NoError(t, err)
	require.Equal(t, seq, par)
	require.Len(t, seq, blockSize)

	for i := 1; i <= blockSize; i++ {
		a := blockAddr(uint64(i))
		require.NotNil(t, seq[i-1].State[a], "sender %d must appear in its own transaction's state", i)
	}
}

// TestExecuteSameSenderSequentialNoncesMatchAcrossModes is the
// same-sender-multiple-txs scenario: one sender paying one recipient many
// times with strictly increasing nonces. After the first transaction
// establishes a concrete balance for both endpoints, every later one reads
// and writes them through the lazy delta path, which the finalization pass
// then has to fold back in the correct order.
func TestExecuteSameSenderSequentialNoncesMatchAcrossModes(t *testing.T) {
	const blockSize = 50
	store := storage.NewInMemory()
	half := halfMaxBalance()
	beneficiary := common.Address{}
	store.SetAccount(beneficiary, half, 0)

	sender := blockAddr(1)
	store.SetAccount(sender, half, 1)
	recipient := blockAddr(2)
	store.SetAccount(recipient, half, 1)

	txs := make([]chain.Transaction, blockSize)
	for i := 0; i < blockSize; i++ {
		nonce := uint64(1 + i)
		txs[i] = chain.TxEnv{
			Caller: sender, To: &recipient, Value: *uint256.NewInt(1),
			Nonce: &nonce, GasLimit: testGasLimit, GasPrice: *uint256.NewInt(1),
		}
	}

	header := &chain.BlockHeader{Number: 1, Coinbase: beneficiary, GasUsed: uint64(blockSize) * testGasLimit}
	e := NewExecutor(parallelCfg())

	seq, err := e.Execute(store, testChain{}, header, txs, true)
	require.NoError(t, err)
	par, err := e.Execute(store, testChain{}, header, txs, false)
	require.NoError(t, err)
	require.Equal(t, seq, par)

	finalSender := seq[blockSize-1].State[sender]
	require.NotNil(t, finalSender)
	require.Equal(t, uint64(1+blockSize), finalSender.Nonce)

	finalRecipient := seq[blockSize-1].State[recipient]
	require.NotNil(t, finalRecipient)
	want := new(uint256.Int).Add(&half, uint256.NewInt(blockSize))
	require.True(t, finalRecipient.Balance.Eq(want))
}

func TestExecuteInvalidTransactionTypeIsRejected(t *testing.T) {
	e := NewExecutor(pevmcfg.Default())
	header := &chain.BlockHeader{Number: 1}
	_, err := e.Execute(storage.NewInMemory(), testChain{}, header, []chain.Transaction{"not a tx env"}, true)
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestExecuteMissingTransactionDataIsRejected(t *testing.T) {
	e := NewExecutor(pevmcfg.Default())
	header := &chain.BlockHeader{Number: 1}
	_, err := e.Execute(storage.NewInMemory(), testChain{}, header, []chain.Transaction{nil}, true)
	require.ErrorIs(t, err, ErrMissingTransactionData)
}
