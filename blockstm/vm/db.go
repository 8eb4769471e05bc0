// Package vm adapts the Block-STM multi-version memory into a Database the
// externally supplied EVM reads through, and drives one transaction's
// speculative execution against it.
package vm

import (
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/blockstm/chain"
	"github.com/block-stm/pevm/blockstm/storage"
	"github.com/block-stm/pevm/common"
)

// emptyCodeHash is the keccak-256 hash of the empty byte string, the code
// hash every account without a contract carries.
var emptyCodeHash = func() common.Hash {
	h := sha3.NewLegacyKeccak256()
	return common.BytesToHash(h.Sum(nil))
}()

// maxUint256 mocks the balance of a lazily-updated sender: evaluating its
// real balance would require walking the same delta chain this shortcut
// exists to avoid, so the EVM is handed an upper bound instead and the
// actual balance is only ever reconciled at finalization.
var maxUint256 = func() uint256.Int {
	var z uint256.Int
	return *z.Not(&z)
}()

// readAccount is a cached, fully-evaluated account read, kept so Execute
// can tell whether the EVM's post-state for an address differs from what
// it was handed (and therefore needs writing).
type readAccount struct {
	basic    storage.AccountBasic
	codeHash *common.Hash
}

// Database intercepts one transaction's reads during speculative execution.
// It resolves every read against the multi-version memory first, falling
// back to the pre-block Storage snapshot, and records the exact origin of
// each read so the scheduler can later validate it cheaply.
type Database struct {
	mv      *blockstm.MvMemory
	storage storage.Storage

	txIdx blockstm.TxIdx
	tx    chain.TxEnv

	fromHash   blockstm.LocationHash
	toHash     *blockstm.LocationHash
	toCodeHash *common.Hash

	// isLazy is true when this transaction is a plain transfer whose
	// sender or recipient already has write history in this block: fully
	// evaluating either endpoint sequentially here would serialize what
	// is otherwise trivially parallelizable, so both ends are updated by
	// an unevaluated delta instead and folded in order at finalization.
	isLazy bool

	readSet      blockstm.ReadSet
	readAccounts map[blockstm.LocationHash]readAccount
}

// NewDatabase builds the Database for one incarnation of a transaction.
// beneficiary is the block's fee recipient: once an address is confirmed
// not to be a lazy-update candidate, it is dropped from the lazy registry
// unless it is the beneficiary, which stays lazy for the whole block.
func NewDatabase(
	mv *blockstm.MvMemory,
	store storage.Storage,
	beneficiary common.Address,
	txIdx blockstm.TxIdx,
	tx chain.TxEnv,
	fromHash blockstm.LocationHash,
	toHash *blockstm.LocationHash,
) (*Database, error) {
	db := &Database{
		mv:           mv,
		storage:      store,
		txIdx:        txIdx,
		tx:           tx,
		fromHash:     fromHash,
		toHash:       toHash,
		readSet:      make(blockstm.ReadSet, 2),
		readAccounts: make(map[blockstm.LocationHash]readAccount, 2),
	}

	if tx.To != nil {
		codeHash, err := db.getCodeHash(*tx.To)
		if err != nil {
			return nil, err
		}
		db.toCodeHash = codeHash
		db.isLazy = codeHash == nil && (mv.HasHistory(fromHash) || mv.HasHistory(*toHash))
		if *tx.To != beneficiary && !db.isLazy && mv.IsLazy(*tx.To) {
			mv.RemoveLazyAddress(*tx.To)
		}
	}
	return db, nil
}

// hashBasic resolves address to the location hash already computed for the
// sender or recipient of this transaction, to avoid re-hashing on every
// lookup of the two hottest addresses in the whole execution.
func (db *Database) hashBasic(address common.Address) blockstm.LocationHash {
	if address == db.tx.Caller {
		return db.fromHash
	}
	if db.tx.To != nil && *db.tx.To == address {
		return *db.toHash
	}
	return blockstm.BasicLocation(address).Hash()
}

// pushOrigin enforces that a single-shot read (code hash or storage slot)
// observes the same origin on every incarnation; a location with more than
// one origin (an account's Basic location) uses the accumulation path in
// Basic instead.
func pushOrigin(origins *blockstm.ReadOrigins, origin blockstm.ReadOrigin) error {
	if len(*origins) > 0 {
		if (*origins)[len(*origins)-1] != origin {
			return errInconsistentRead
		}
		return nil
	}
	*origins = append(*origins, origin)
	return nil
}

func (db *Database) getCodeHash(address common.Address) (*common.Hash, error) {
	locHash := blockstm.CodeHashLocation(address).Hash()
	origins := db.readSet[locHash]

	if idx, entry, found := db.mv.FloorEntry(locHash, db.txIdx); found && entry.Kind == blockstm.EntryData {
		switch entry.Value.Kind {
		case blockstm.ValueSelfDestructed:
			return nil, errSelfDestructedAccount
		case blockstm.ValueCodeHash:
			if err := pushOrigin(&origins, blockstm.MvMemoryOrigin(blockstm.TxVersion{TxIdx: idx, Incarnation: entry.Incarnation})); err != nil {
				return nil, err
			}
			db.readSet[locHash] = origins
			h := common.Hash(entry.Value.CodeHash)
			return &h, nil
		}
		// Any other value kind at a code-hash location falls through to
		// storage, matching the read path for an address never written
		// to in this block.
	}

	if err := pushOrigin(&origins, blockstm.StorageOrigin); err != nil {
		return nil, err
	}
	db.readSet[locHash] = origins
	h, err := db.storage.CodeHash(address)
	if err != nil {
		return nil, storageErr(err)
	}
	return h, nil
}

// Basic resolves an account's balance and nonce, fully evaluating any lazy
// delta chain recorded ahead of txIdx and falling back to storage for the
// base value the chain builds on.
func (db *Database) Basic(address common.Address) (*chain.AccountInfo, error) {
	locHash := db.hashBasic(address)

	if db.isLazy {
		if locHash == db.fromHash {
			nonce := uint64(1)
			if db.tx.Nonce != nil {
				nonce = *db.tx.Nonce
			}
			return &chain.AccountInfo{
				Nonce:    nonce,
				Balance:  maxUint256,
				CodeHash: emptyCodeHash,
			}, nil
		}
		if db.toHash != nil && locHash == *db.toHash {
			return nil, nil
		}
	}

	origins := db.readSet[locHash]
	hasPrevOrigins := len(origins) > 0
	var newOrigins blockstm.ReadOrigins

	var finalAccount *blockstm.AccountBasic
	balanceAddition := uint256.NewInt(0)
	positiveAddition := true
	var nonceAddition uint64

	if db.txIdx > 0 {
		cursor := db.txIdx
		for finalAccount == nil {
			idx, entry, found := db.mv.FloorEntry(locHash, cursor)
			if !found {
				break
			}
			if entry.Kind == blockstm.EntryEstimate {
				return nil, blockingErr(idx)
			}

			if hasPrevOrigins && len(origins) == len(newOrigins) {
				return nil, errInconsistentRead
			}
			origin := blockstm.MvMemoryOrigin(blockstm.TxVersion{TxIdx: idx, Incarnation: entry.Incarnation})
			if hasPrevOrigins && origins[len(newOrigins)] != origin {
				return nil, errInconsistentRead
			}
			newOrigins = append(newOrigins, origin)

			switch entry.Value.Kind {
			case blockstm.ValueBasic:
				basic := entry.Value.Basic
				finalAccount = &basic
			case blockstm.ValueLazyRecipient:
				addition := entry.Value.Delta
				if positiveAddition {
					balanceAddition = satAdd(balanceAddition, &addition)
				} else {
					positiveAddition = addition.Cmp(balanceAddition) >= 0
					balanceAddition = absDiff(&addition, balanceAddition)
				}
			case blockstm.ValueLazySender:
				subtraction := entry.Value.Delta
				if positiveAddition {
					positiveAddition = balanceAddition.Cmp(&subtraction) >= 0
					balanceAddition = absDiff(balanceAddition, &subtraction)
				} else {
					balanceAddition = satAdd(balanceAddition, &subtraction)
				}
				nonceAddition++
			default:
				return nil, errInvalidMemoryValueType
			}
			cursor = idx
		}
	}

	if finalAccount == nil {
		if !hasPrevOrigins {
			newOrigins = append(newOrigins, blockstm.StorageOrigin)
		} else if len(origins) != len(newOrigins)+1 || origins[len(origins)-1] != blockstm.StorageOrigin {
			return nil, errInconsistentRead
		}

		basic, err := db.storage.Basic(address)
		if err != nil {
			return nil, storageErr(err)
		}
		if basic != nil {
			finalAccount = &blockstm.AccountBasic{Balance: basic.Balance, Nonce: basic.Nonce}
		} else if balanceAddition.Sign() > 0 {
			finalAccount = &blockstm.AccountBasic{}
		}
	}

	if !hasPrevOrigins {
		db.readSet[locHash] = newOrigins
	}

	if finalAccount == nil {
		return nil, nil
	}

	account := *finalAccount
	account.Nonce += nonceAddition
	if locHash == db.fromHash && db.tx.Nonce != nil && *db.tx.Nonce != account.Nonce {
		if db.txIdx > 0 {
			return nil, blockingErr(db.txIdx - 1)
		}
		return nil, invalidNonceErr(db.txIdx)
	}

	if positiveAddition {
		account.Balance = *satAdd(&account.Balance, balanceAddition)
	} else {
		account.Balance = *satSub(&account.Balance, balanceAddition)
	}

	var codeHash *common.Hash
	if db.toHash != nil && locHash == *db.toHash {
		codeHash = db.toCodeHash
	} else {
		var err error
		codeHash, err = db.getCodeHash(address)
		if err != nil {
			return nil, err
		}
	}

	var code []byte
	if codeHash != nil {
		if c, ok := db.mv.NewBytecode(*codeHash); ok {
			code = c
		} else {
			c, err := db.storage.CodeByHash(*codeHash)
			if err != nil {
				return nil, storageErr(err)
			}
			code = c
		}
	}

	db.readAccounts[locHash] = readAccount{
		basic:    storage.AccountBasic{Balance: account.Balance, Nonce: account.Nonce},
		codeHash: codeHash,
	}

	result := &chain.AccountInfo{
		Balance: account.Balance,
		Nonce:   account.Nonce,
		Code:    code,
	}
	if codeHash != nil {
		result.CodeHash = *codeHash
	} else {
		result.CodeHash = emptyCodeHash
	}
	return result, nil
}

func (db *Database) CodeByHash(codeHash common.Hash) ([]byte, error) {
	code, err := db.storage.CodeByHash(codeHash)
	if err != nil {
		return nil, storageErr(err)
	}
	return code, nil
}

func (db *Database) HasStorage(address common.Address) (bool, error) {
	ok, err := db.storage.HasStorage(address)
	if err != nil {
		return false, storageErr(err)
	}
	return ok, nil
}

func (db *Database) Storage(address common.Address, slot uint256.Int) (uint256.Int, error) {
	locHash := blockstm.StorageLocation(address, slot).Hash()
	origins := db.readSet[locHash]

	if db.txIdx > 0 {
		if idx, entry, found := db.mv.FloorEntry(locHash, db.txIdx); found {
			if entry.Kind == blockstm.EntryEstimate {
				return uint256.Int{}, blockingErr(idx)
			}
			if entry.Value.Kind != blockstm.ValueStorage {
				return uint256.Int{}, errInvalidMemoryValueType
			}
			if err := pushOrigin(&origins, blockstm.MvMemoryOrigin(blockstm.TxVersion{TxIdx: idx, Incarnation: entry.Incarnation})); err != nil {
				return uint256.Int{}, err
			}
			db.readSet[locHash] = origins
			return entry.Value.Storage, nil
		}
	}

	if err := pushOrigin(&origins, blockstm.StorageOrigin); err != nil {
		return uint256.Int{}, err
	}
	db.readSet[locHash] = origins
	v, err := db.storage.Storage(address, slot)
	if err != nil {
		return uint256.Int{}, storageErr(err)
	}
	return v, nil
}

func (db *Database) BlockHash(number uint64) (common.Hash, error) {
	h, err := db.storage.BlockHash(number)
	if err != nil {
		return common.Hash{}, storageErr(err)
	}
	return h, nil
}

var _ chain.Database = (*Database)(nil)

func satAdd(a, b *uint256.Int) *uint256.Int {
	var z uint256.Int
	_, overflow := z.AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).Not(uint256.NewInt(0))
	}
	return &z
}

func satSub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) < 0 {
		return uint256.NewInt(0)
	}
	var z uint256.Int
	z.Sub(a, b)
	return &z
}

// absDiff returns |a-b|, matching U256::abs_diff.
func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) >= 0 {
		return satSub(a, b)
	}
	return satSub(b, a)
}
