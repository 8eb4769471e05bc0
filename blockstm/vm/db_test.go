package vm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/blockstm/chain"
	"github.com/block-stm/pevm/blockstm/storage"
	"github.com/block-stm/pevm/common"
)

func testAddr(b byte) common.Address {
	var a common.Address
	a[common.AddressLength-1] = b
	return a
}

func TestDatabaseBasicFallsBackToStorage(t *testing.T) {
	store := storage.NewInMemory()
	alice := testAddr(1)
	store.SetAccount(alice, *uint256.NewInt(100), 3)

	mv := blockstm.NewMvMemory(4, nil, nil)
	fromHash := blockstm.BasicLocation(alice).Hash()

	db, err := NewDatabase(mv, store, common.Address{}, 0, chain.TxEnv{Caller: alice}, fromHash, nil)
	require.NoError(t, err)

	info, err := db.Basic(alice)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, uint64(3), info.Nonce)
	require.True(t, info.Balance.Eq(uint256.NewInt(100)))
}

func TestDatabaseBasicReadsMvMemoryOverStorage(t *testing.T) {
	store := storage.NewInMemory()
	bob := testAddr(2)
	store.SetAccount(bob, *uint256.NewInt(1), 0)

	mv := blockstm.NewMvMemory(4, nil, nil)
	locHash := blockstm.BasicLocation(bob).Hash()
	mv.Record(blockstm.TxVersion{TxIdx: 0, Incarnation: 0}, nil, blockstm.WriteSet{
		{Location: locHash, Value: blockstm.BasicValue(*uint256.NewInt(500), 1)},
	})

	db, err := NewDatabase(mv, store, common.Address{}, 1, chain.TxEnv{Caller: bob}, locHash, nil)
	require.NoError(t, err)

	info, err := db.Basic(bob)
	require.NoError(t, err)
	require.True(t, info.Balance.Eq(uint256.NewInt(500)))
	require.Equal(t, uint64(1), info.Nonce)
}

func TestDatabaseBasicBlocksOnEstimate(t *testing.T) {
	store := storage.NewInMemory()
	carol := testAddr(3)

	mv := blockstm.NewMvMemory(4, nil, nil)
	locHash := blockstm.BasicLocation(carol).Hash()
	mv.Record(blockstm.TxVersion{TxIdx: 0, Incarnation: 0}, nil, blockstm.WriteSet{
		{Location: locHash, Value: blockstm.BasicValue(*uint256.NewInt(1), 0)},
	})
	mv.ConvertWritesToEstimates(0)

	db, err := NewDatabase(mv, store, common.Address{}, 1, chain.TxEnv{Caller: carol}, locHash, nil)
	require.NoError(t, err)

	_, err = db.Basic(carol)
	require.Error(t, err)
	re, ok := err.(*ReadError)
	require.True(t, ok)
	require.Equal(t, ErrKindBlocking, re.Kind)
	require.Equal(t, blockstm.TxIdx(0), re.BlockingTxIdx)
}

func TestDatabaseLazySenderIsMockedWithMaxBalance(t *testing.T) {
	store := storage.NewInMemory()
	dave := testAddr(4)
	eve := testAddr(5)
	store.SetAccount(dave, *uint256.NewInt(10), 0)

	mv := blockstm.NewMvMemory(4, nil, nil)
	fromHash := blockstm.BasicLocation(dave).Hash()
	toHash := blockstm.BasicLocation(eve).Hash()

	// Give both endpoints prior write history so NewDatabase treats this
	// transaction as a lazy transfer.
	mv.Record(blockstm.TxVersion{TxIdx: 0, Incarnation: 0}, nil, blockstm.WriteSet{
		{Location: fromHash, Value: blockstm.LazySenderValue(*uint256.NewInt(1))},
		{Location: toHash, Value: blockstm.LazyRecipientValue(*uint256.NewInt(1))},
	})

	nonce := uint64(1)
	tx := chain.TxEnv{Caller: dave, To: &eve, Nonce: &nonce}
	db, err := NewDatabase(mv, store, common.Address{}, 1, tx, fromHash, &toHash)
	require.NoError(t, err)
	require.True(t, db.isLazy)

	senderInfo, err := db.Basic(dave)
	require.NoError(t, err)
	require.Equal(t, nonce, senderInfo.Nonce)
	var allOnes uint256.Int
	allOnes.Not(&allOnes)
	require.True(t, senderInfo.Balance.Eq(&allOnes), "lazy sender balance is mocked as unbounded")

	recipientInfo, err := db.Basic(eve)
	require.NoError(t, err)
	require.Nil(t, recipientInfo, "lazy recipient is not evaluated during speculative execution")
}

func TestDatabaseGetCodeHashFallsBackToStorage(t *testing.T) {
	store := storage.NewInMemory()
	contract := testAddr(6)
	hash := common.BytesToHash([]byte{0xaa})
	store.SetCode(contract, hash, []byte{0x60, 0x00})

	mv := blockstm.NewMvMemory(2, nil, nil)
	got, err := (&Database{mv: mv, storage: store, readSet: blockstm.ReadSet{}}).getCodeHash(contract)
	require.NoError(t, err)
	require.Equal(t, &hash, got)
}
