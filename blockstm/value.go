package blockstm

import "github.com/holiman/uint256"

// ValueKind tags the variant of a MemoryValue.
type ValueKind uint8

const (
	ValueBasic ValueKind = iota
	ValueCodeHash
	ValueStorage
	// ValueLazyRecipient means "add Delta to balance"; sender nonce unchanged.
	ValueLazyRecipient
	// ValueLazySender means "subtract Delta from balance; increment nonce by 1".
	ValueLazySender
	// ValueSelfDestructed marks a CodeHash location as self-destructed.
	ValueSelfDestructed
)

// AccountBasic is a concrete account snapshot: balance and nonce.
type AccountBasic struct {
	Balance uint256.Int
	Nonce   uint64
}

// MemoryValue is a tagged union of everything that can be written to a
// memory location. Exactly the fields relevant to Kind are meaningful.
type MemoryValue struct {
	Kind     ValueKind
	Basic    AccountBasic
	CodeHash [32]byte
	Storage  uint256.Int
	Delta    uint256.Int // LazyRecipient / LazySender
}

func BasicValue(balance uint256.Int, nonce uint64) MemoryValue {
	return MemoryValue{Kind: ValueBasic, Basic: AccountBasic{Balance: balance, Nonce: nonce}}
}

func CodeHashValue(hash [32]byte) MemoryValue {
	return MemoryValue{Kind: ValueCodeHash, CodeHash: hash}
}

func StorageValue(v uint256.Int) MemoryValue {
	return MemoryValue{Kind: ValueStorage, Storage: v}
}

func LazyRecipientValue(delta uint256.Int) MemoryValue {
	return MemoryValue{Kind: ValueLazyRecipient, Delta: delta}
}

func LazySenderValue(delta uint256.Int) MemoryValue {
	return MemoryValue{Kind: ValueLazySender, Delta: delta}
}

func SelfDestructedValue() MemoryValue {
	return MemoryValue{Kind: ValueSelfDestructed}
}

// EntryKind distinguishes a concrete write from an ESTIMATE marker.
type EntryKind uint8

const (
	EntryData EntryKind = iota
	EntryEstimate
)

// MemoryEntry is one record in a location's write history: either a
// concrete write by a specific incarnation, or an ESTIMATE placeholder
// left by an aborted incarnation.
type MemoryEntry struct {
	Kind        EntryKind
	Incarnation TxIncarnation
	Value       MemoryValue
}

func DataEntry(incarnation TxIncarnation, value MemoryValue) MemoryEntry {
	return MemoryEntry{Kind: EntryData, Incarnation: incarnation, Value: value}
}

var EstimateEntry = MemoryEntry{Kind: EntryEstimate}

// ReadOriginKind distinguishes where a read was satisfied from.
type ReadOriginKind uint8

const (
	OriginMvMemory ReadOriginKind = iota
	OriginStorage
)

// ReadOrigin records where a read was satisfied from: either a specific
// transaction version in the multi-version memory, or storage (the
// read-only pre-block snapshot). ReadOrigin{Kind: OriginStorage} may only
// appear as the last element of an origin sequence.
type ReadOrigin struct {
	Kind    ReadOriginKind
	Version TxVersion
}

func MvMemoryOrigin(v TxVersion) ReadOrigin {
	return ReadOrigin{Kind: OriginMvMemory, Version: v}
}

var StorageOrigin = ReadOrigin{Kind: OriginStorage}

// ReadOrigins is the sequence of origins observed for a single location.
// Most locations have exactly one; lazily-updated ones (beneficiary, hot
// transfer endpoints) accumulate a chain of lazy deltas down to a
// terminal concrete value.
type ReadOrigins []ReadOrigin

// ReadSet maps every location an incarnation read to the sequence of
// origins observed for it.
type ReadSet map[LocationHash]ReadOrigins

// WriteEntry is one write produced by an incarnation.
type WriteEntry struct {
	Location LocationHash
	Value    MemoryValue
}

// WriteSet is the ordered list of writes produced by an incarnation.
type WriteSet []WriteEntry
