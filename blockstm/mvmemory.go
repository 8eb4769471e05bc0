package blockstm

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/block-stm/pevm/common"
)

// row is the ordered write history of a single memory location: a
// red-black tree keyed by TxIdx, giving sub-linear "greatest key below N"
// lookups as required by the spec.
type row struct {
	mu   sync.RWMutex
	tree *redblacktree.Tree
}

func newRow() *row {
	return &row{tree: redblacktree.NewWithIntComparator()}
}

func (r *row) put(idx TxIdx, entry MemoryEntry) {
	r.mu.Lock()
	r.tree.Put(int(idx), entry)
	r.mu.Unlock()
}

func (r *row) remove(idx TxIdx) {
	r.mu.Lock()
	r.tree.Remove(int(idx))
	r.mu.Unlock()
}

// floorBelow returns the greatest recorded index strictly below idx,
// equivalent to walking a descending range iterator one step.
func (r *row) floorBelow(idx TxIdx) (TxIdx, MemoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, found := r.tree.Floor(int(idx) - 1)
	if !found {
		return 0, MemoryEntry{}, false
	}
	return TxIdx(node.Key.(int)), node.Value.(MemoryEntry), true
}

// HistoryEntry pairs a write-history record with the index that produced
// it, for ordered iteration during finalization.
type HistoryEntry struct {
	TxIdx TxIdx
	Entry MemoryEntry
}

// ascending returns every entry in the row in increasing transaction-index
// order. Only safe to call once no more concurrent writers remain, i.e.
// during single-threaded finalization after the block has fully executed.
func (r *row) ascending() []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistoryEntry, 0, r.tree.Size())
	it := r.tree.Iterator()
	for it.Next() {
		out = append(out, HistoryEntry{TxIdx: TxIdx(it.Key().(int)), Entry: it.Value().(MemoryEntry)})
	}
	return out
}

// shard holds a subset of the location space behind its own lock, to
// reduce contention versus one map for the whole block.
type shard struct {
	mu   sync.RWMutex
	rows map[LocationHash]*row
}

func newShard() *shard {
	return &shard{rows: make(map[LocationHash]*row)}
}

func (s *shard) get(loc LocationHash) (*row, bool) {
	s.mu.RLock()
	r, ok := s.rows[loc]
	s.mu.RUnlock()
	return r, ok
}

func (s *shard) getOrCreate(loc LocationHash) *row {
	if r, ok := s.get(loc); ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[loc]; ok {
		return r
	}
	r := newRow()
	s.rows[loc] = r
	return r
}

// lastLocations is the latest recorded read set and write list of one
// transaction's current incarnation, guarded by a per-transaction lock.
type lastLocations struct {
	mu    sync.Mutex
	read  ReadSet
	write []LocationHash
}

// MvMemory is the thread-safe multi-version store described in spec §4.1:
// a sharded concurrent map of per-location write histories, plus the
// auxiliary lazy-address registry and new-bytecode table.
type MvMemory struct {
	shards    []*shard
	shardMask uint64

	last []*lastLocations

	lazyMu   sync.RWMutex
	lazyAddr mapset.Set[common.Address]

	bytecodeMu   sync.RWMutex
	newBytecodes map[[32]byte][]byte
}

const defaultShardCount = 64

// shardCountFor rounds n up to the next power of two, with a floor of 1.
func shardCountFor(n int) int {
	if n <= 1 {
		return 1
	}
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

// NewMvMemory builds an MvMemory for a block of blockSize transactions.
// estimated pre-seeds the write history of hot locations (at minimum the
// beneficiary address, per the Chain.BuildMvMemory contract) with
// ESTIMATE markers at the given transaction indices, so the first reader
// blocks instead of racing an empty history. lazy pre-registers addresses
// (typically the beneficiary) that should be updated lazily from the
// start of the block.
func NewMvMemory(blockSize int, estimated map[LocationHash][]TxIdx, lazy []common.Address) *MvMemory {
	shardCount := shardCountFor(defaultShardCount)
	mv := &MvMemory{
		shards:       make([]*shard, shardCount),
		shardMask:    uint64(shardCount - 1),
		last:         make([]*lastLocations, blockSize),
		lazyAddr:     mapset.NewThreadUnsafeSet[common.Address](),
		newBytecodes: make(map[[32]byte][]byte),
	}
	for i := range mv.shards {
		mv.shards[i] = newShard()
	}
	for i := range mv.last {
		mv.last[i] = &lastLocations{}
	}
	for loc, idxs := range estimated {
		r := mv.shardFor(loc).getOrCreate(loc)
		for _, idx := range idxs {
			r.put(idx, EstimateEntry)
		}
	}
	for _, addr := range lazy {
		mv.lazyAddr.Add(addr)
	}
	return mv
}

func (mv *MvMemory) shardFor(loc LocationHash) *shard {
	return mv.shards[uint64(loc)&mv.shardMask]
}

// FloorEntry returns the write-history entry for loc recorded by the
// greatest transaction index strictly below belowTxIdx, if any. It is the
// primitive VmDb uses to resolve a read and to walk lazy delta chains.
func (mv *MvMemory) FloorEntry(loc LocationHash, belowTxIdx TxIdx) (TxIdx, MemoryEntry, bool) {
	r, ok := mv.shardFor(loc).get(loc)
	if !ok {
		return 0, MemoryEntry{}, false
	}
	return r.floorBelow(belowTxIdx)
}

// HasHistory reports whether loc has ever been written, regardless of by
// whom or at what index. VmDb uses this to decide whether an account looks
// like a hot lazy-update target before any concrete value exists to read.
func (mv *MvMemory) HasHistory(loc LocationHash) bool {
	_, ok := mv.shardFor(loc).get(loc)
	return ok
}

// WriteHistory returns loc's full write history in ascending transaction
// order, for the single-threaded finalization pass over lazily-updated
// addresses once the block has finished executing.
func (mv *MvMemory) WriteHistory(loc LocationHash) []HistoryEntry {
	r, ok := mv.shardFor(loc).get(loc)
	if !ok {
		return nil
	}
	return r.ascending()
}

// Record installs the read set and write set produced by one incarnation
// of a transaction. It returns true iff the write set contains a location
// that the previous incarnation of the same transaction did not write,
// which is the signal the scheduler uses to decide whether higher
// transactions need re-validation.
func (mv *MvMemory) Record(version TxVersion, reads ReadSet, writes WriteSet) bool {
	last := mv.last[version.TxIdx]
	last.mu.Lock()
	defer last.mu.Unlock()

	last.read = reads

	stillWritten := make(map[LocationHash]struct{}, len(writes))
	for _, w := range writes {
		stillWritten[w.Location] = struct{}{}
	}
	for _, loc := range last.write {
		if _, ok := stillWritten[loc]; ok {
			continue
		}
		if r, ok := mv.shardFor(loc).get(loc); ok {
			r.remove(version.TxIdx)
		}
	}

	prevWritten := make(map[LocationHash]struct{}, len(last.write))
	for _, loc := range last.write {
		prevWritten[loc] = struct{}{}
	}

	wroteNewLocation := false
	newWrite := make([]LocationHash, 0, len(writes))
	seen := make(map[LocationHash]struct{}, len(writes))
	for _, w := range writes {
		r := mv.shardFor(w.Location).getOrCreate(w.Location)
		r.put(version.TxIdx, DataEntry(version.Incarnation, w.Value))
		if _, dup := seen[w.Location]; !dup {
			seen[w.Location] = struct{}{}
			newWrite = append(newWrite, w.Location)
			if _, existed := prevWritten[w.Location]; !existed {
				wroteNewLocation = true
			}
		}
	}
	last.write = newWrite
	return wroteNewLocation
}

// ValidateReadLocations re-checks every location read by the last
// recorded incarnation of tx_idx and returns true iff every origin in the
// recorded read set still reads the same value.
func (mv *MvMemory) ValidateReadLocations(txIdx TxIdx) bool {
	last := mv.last[txIdx]
	last.mu.Lock()
	reads := last.read
	last.mu.Unlock()

	for loc, origins := range reads {
		r, exists := mv.shardFor(loc).get(loc)
		if !exists {
			if len(origins) != 1 || origins[0].Kind != OriginStorage {
				return false
			}
			continue
		}
		cursor := txIdx
		for _, origin := range origins {
			if origin.Kind == OriginMvMemory {
				idx, entry, found := r.floorBelow(cursor)
				if !found || entry.Kind == EntryEstimate {
					return false
				}
				if idx != origin.Version.TxIdx || entry.Incarnation != origin.Version.Incarnation {
					return false
				}
				cursor = idx
			} else {
				if _, _, found := r.floorBelow(cursor); found {
					return false
				}
			}
		}
	}
	return true
}

// ConvertWritesToEstimates replaces every location the last incarnation of
// txIdx wrote with an ESTIMATE marker, so readers at higher indices abort
// immediately instead of validating against a stale value.
func (mv *MvMemory) ConvertWritesToEstimates(txIdx TxIdx) {
	last := mv.last[txIdx]
	last.mu.Lock()
	writes := last.write
	last.mu.Unlock()

	for _, loc := range writes {
		r := mv.shardFor(loc).getOrCreate(loc)
		r.put(txIdx, EstimateEntry)
	}
}

// AddLazyAddresses registers addresses whose Basic location should be
// updated lazily (accumulated as deltas) rather than read strictly.
func (mv *MvMemory) AddLazyAddresses(addrs ...common.Address) {
	mv.lazyMu.Lock()
	defer mv.lazyMu.Unlock()
	for _, a := range addrs {
		mv.lazyAddr.Add(a)
	}
}

// RemoveLazyAddress un-registers a lazy address, e.g. when an incarnation
// discovers the account is not a pure transfer endpoint after all.
func (mv *MvMemory) RemoveLazyAddress(addr common.Address) {
	mv.lazyMu.Lock()
	defer mv.lazyMu.Unlock()
	mv.lazyAddr.Remove(addr)
}

// IsLazy reports whether addr is currently registered for lazy updates.
func (mv *MvMemory) IsLazy(addr common.Address) bool {
	mv.lazyMu.RLock()
	defer mv.lazyMu.RUnlock()
	return mv.lazyAddr.Contains(addr)
}

// ConsumeLazyAddresses atomically swaps out the lazy-address registry for
// finalization and returns its former contents.
func (mv *MvMemory) ConsumeLazyAddresses() []common.Address {
	mv.lazyMu.Lock()
	defer mv.lazyMu.Unlock()
	addrs := mv.lazyAddr.ToSlice()
	mv.lazyAddr = mapset.NewThreadUnsafeSet[common.Address]()
	return addrs
}

// SetNewBytecode registers bytecode deployed during this block.
func (mv *MvMemory) SetNewBytecode(hash [32]byte, code []byte) {
	mv.bytecodeMu.Lock()
	defer mv.bytecodeMu.Unlock()
	mv.newBytecodes[hash] = code
}

// NewBytecode returns bytecode deployed during this block, if any.
func (mv *MvMemory) NewBytecode(hash [32]byte) ([]byte, bool) {
	mv.bytecodeMu.RLock()
	defer mv.bytecodeMu.RUnlock()
	code, ok := mv.newBytecodes[hash]
	return code, ok
}

// WriteListOf exposes the current write list of a transaction for tests
// and diagnostics.
func (mv *MvMemory) WriteListOf(txIdx TxIdx) []LocationHash {
	last := mv.last[txIdx]
	last.mu.Lock()
	defer last.mu.Unlock()
	out := make([]LocationHash, len(last.write))
	copy(out, last.write)
	return out
}
