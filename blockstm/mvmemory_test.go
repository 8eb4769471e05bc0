package blockstm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/block-stm/pevm/common"
)

func addr(b byte) common.Address {
	var a common.Address
	a[common.AddressLength-1] = b
	return a
}

func TestMvMemoryRecordAndFloorEntry(t *testing.T) {
	mv := NewMvMemory(4, nil, nil)
	loc := BasicLocation(addr(1)).Hash()

	writes := WriteSet{{Location: loc, Value: BasicValue(*uint256.NewInt(10), 1)}}
	mv.Record(TxVersion{TxIdx: 0, Incarnation: 0}, nil, writes)

	idx, entry, found := mv.FloorEntry(loc, 3)
	require.True(t, found)
	require.Equal(t, TxIdx(0), idx)
	require.Equal(t, EntryData, entry.Kind)
	require.Equal(t, uint64(1), entry.Value.Basic.Nonce)

	// Nothing recorded below index 0.
	_, _, found = mv.FloorEntry(loc, 0)
	require.False(t, found)
}

func TestMvMemoryFloorEntryPicksGreatestBelow(t *testing.T) {
	mv := NewMvMemory(8, nil, nil)
	loc := BasicLocation(addr(2)).Hash()

	mv.Record(TxVersion{TxIdx: 1, Incarnation: 0}, nil, WriteSet{{Location: loc, Value: BasicValue(*uint256.NewInt(1), 0)}})
	mv.Record(TxVersion{TxIdx: 3, Incarnation: 0}, nil, WriteSet{{Location: loc, Value: BasicValue(*uint256.NewInt(3), 0)}})
	mv.Record(TxVersion{TxIdx: 5, Incarnation: 0}, nil, WriteSet{{Location: loc, Value: BasicValue(*uint256.NewInt(5), 0)}})

	idx, entry, found := mv.FloorEntry(loc, 5)
	require.True(t, found)
	require.Equal(t, TxIdx(3), idx)
	require.Equal(t, TxIncarnation(0), entry.Incarnation)

	idx, _, found = mv.FloorEntry(loc, 4)
	require.True(t, found)
	require.Equal(t, TxIdx(3), idx)

	idx, _, found = mv.FloorEntry(loc, 2)
	require.True(t, found)
	require.Equal(t, TxIdx(1), idx)
}

func TestMvMemoryRecordRemovesStaleWrites(t *testing.T) {
	mv := NewMvMemory(4, nil, nil)
	locA := BasicLocation(addr(1)).Hash()
	locB := BasicLocation(addr(2)).Hash()

	mv.Record(TxVersion{TxIdx: 0, Incarnation: 0}, nil, WriteSet{
		{Location: locA, Value: BasicValue(*uint256.NewInt(1), 0)},
		{Location: locB, Value: BasicValue(*uint256.NewInt(2), 0)},
	})
	// Re-execution of the same tx no longer writes locB.
	mv.Record(TxVersion{TxIdx: 0, Incarnation: 1}, nil, WriteSet{
		{Location: locA, Value: BasicValue(*uint256.NewInt(9), 0)},
	})

	_, _, found := mv.FloorEntry(locB, 4)
	require.False(t, found, "stale write to locB must be removed once no longer written")

	idx, entry, found := mv.FloorEntry(locA, 4)
	require.True(t, found)
	require.Equal(t, TxIdx(0), idx)
	require.True(t, entry.Value.Basic.Balance.Eq(uint256.NewInt(9)))
}

func TestMvMemoryValidateReadLocations(t *testing.T) {
	mv := NewMvMemory(4, nil, nil)
	loc := BasicLocation(addr(1)).Hash()

	mv.Record(TxVersion{TxIdx: 0, Incarnation: 0}, nil, WriteSet{
		{Location: loc, Value: BasicValue(*uint256.NewInt(1), 0)},
	})
	reads := ReadSet{loc: ReadOrigins{MvMemoryOrigin(TxVersion{TxIdx: 0, Incarnation: 0})}}
	mv.Record(TxVersion{TxIdx: 1, Incarnation: 0}, reads, nil)

	require.True(t, mv.ValidateReadLocations(1))

	// Tx 0 re-executes with a new incarnation, invalidating tx 1's read.
	mv.Record(TxVersion{TxIdx: 0, Incarnation: 1}, nil, WriteSet{
		{Location: loc, Value: BasicValue(*uint256.NewInt(2), 0)},
	})
	require.False(t, mv.ValidateReadLocations(1))
}

func TestMvMemoryConvertWritesToEstimates(t *testing.T) {
	mv := NewMvMemory(4, nil, nil)
	loc := BasicLocation(addr(1)).Hash()

	mv.Record(TxVersion{TxIdx: 0, Incarnation: 0}, nil, WriteSet{
		{Location: loc, Value: BasicValue(*uint256.NewInt(1), 0)},
	})
	mv.ConvertWritesToEstimates(0)

	_, entry, found := mv.FloorEntry(loc, 2)
	require.True(t, found)
	require.Equal(t, EntryEstimate, entry.Kind)
}

func TestMvMemoryLazyAddressRegistry(t *testing.T) {
	beneficiary := addr(0)
	mv := NewMvMemory(2, nil, []common.Address{beneficiary})
	require.True(t, mv.IsLazy(beneficiary))

	other := addr(7)
	require.False(t, mv.IsLazy(other))
	mv.AddLazyAddresses(other)
	require.True(t, mv.IsLazy(other))

	mv.RemoveLazyAddress(other)
	require.False(t, mv.IsLazy(other))

	consumed := mv.ConsumeLazyAddresses()
	require.Contains(t, consumed, beneficiary)
	require.False(t, mv.IsLazy(beneficiary), "consuming swaps out the registry entirely")
}

func TestMvMemoryNewBytecode(t *testing.T) {
	mv := NewMvMemory(1, nil, nil)
	hash := [32]byte{1, 2, 3}

	_, ok := mv.NewBytecode(hash)
	require.False(t, ok)

	mv.SetNewBytecode(hash, []byte{0xfe})
	code, ok := mv.NewBytecode(hash)
	require.True(t, ok)
	require.Equal(t, []byte{0xfe}, code)
}

func TestMvMemoryWriteHistoryAscending(t *testing.T) {
	mv := NewMvMemory(8, nil, nil)
	loc := BasicLocation(addr(3)).Hash()

	require.Nil(t, mv.WriteHistory(loc))

	mv.Record(TxVersion{TxIdx: 5, Incarnation: 0}, nil, WriteSet{{Location: loc, Value: LazyRecipientValue(*uint256.NewInt(5))}})
	mv.Record(TxVersion{TxIdx: 2, Incarnation: 0}, nil, WriteSet{{Location: loc, Value: LazyRecipientValue(*uint256.NewInt(2))}})
	mv.Record(TxVersion{TxIdx: 7, Incarnation: 0}, nil, WriteSet{{Location: loc, Value: LazyRecipientValue(*uint256.NewInt(7))}})

	history := mv.WriteHistory(loc)
	require.Len(t, history, 3)
	require.Equal(t, []TxIdx{2, 5, 7}, []TxIdx{history[0].TxIdx, history[1].TxIdx, history[2].TxIdx})
}

func TestMvMemoryHasHistory(t *testing.T) {
	mv := NewMvMemory(2, nil, nil)
	loc := BasicLocation(addr(4)).Hash()
	require.False(t, mv.HasHistory(loc))
	mv.Record(TxVersion{TxIdx: 0, Incarnation: 0}, nil, WriteSet{{Location: loc, Value: BasicValue(*uint256.NewInt(1), 0)}})
	require.True(t, mv.HasHistory(loc))
}
