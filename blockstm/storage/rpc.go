package storage

import (
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"

	"github.com/block-stm/pevm/common"
)

const defaultAccountCacheSize = 1 << 16    // accounts
const defaultBytecodeCacheBytes = 64 << 20 // bytes

// Fetcher is the externally supplied RPC client backing an RPC store. It
// is the thing that actually talks to a node; RPC only adds caching and
// concurrency safety on top.
type Fetcher interface {
	FetchBasic(address common.Address) (*AccountBasic, error)
	FetchCodeHash(address common.Address) (*common.Hash, error)
	FetchCode(codeHash common.Hash) ([]byte, error)
	FetchStorage(address common.Address, slot uint256.Int) (uint256.Int, error)
	FetchHasStorage(address common.Address) (bool, error)
	FetchBlockHash(number uint64) (common.Hash, error)
}

// RPC is a Storage backed by a Fetcher, with an LRU cache for account
// basics/code-hashes (small, hot, frequently re-read) and a byte-budgeted
// cache for contract bytecode (large, rarely evicted), each guarded by its
// own lock since neither cache is exercised concurrently for free.
type RPC struct {
	fetcher Fetcher

	accountsMu sync.Mutex
	accounts   *lru.Cache // common.Address -> *AccountBasic

	codeHashMu sync.Mutex
	codeHashes *lru.Cache // common.Address -> *common.Hash

	code *fastcache.Cache // common.Hash -> bytecode
	codeMu sync.Mutex
}

// NewRPC builds an RPC store with the default cache sizes.
func NewRPC(fetcher Fetcher) (*RPC, error) {
	accounts, err := lru.New(defaultAccountCacheSize)
	if err != nil {
		return nil, fmt.Errorf("storage: building account cache: %w", err)
	}
	codeHashes, err := lru.New(defaultAccountCacheSize)
	if err != nil {
		return nil, fmt.Errorf("storage: building code-hash cache: %w", err)
	}
	return &RPC{
		fetcher:    fetcher,
		accounts:   accounts,
		codeHashes: codeHashes,
		code:       fastcache.New(defaultBytecodeCacheBytes),
	}, nil
}

func (s *RPC) Basic(address common.Address) (*AccountBasic, error) {
	s.accountsMu.Lock()
	if v, ok := s.accounts.Get(address); ok {
		s.accountsMu.Unlock()
		basic, _ := v.(*AccountBasic)
		return basic, nil
	}
	s.accountsMu.Unlock()

	basic, err := s.fetcher.FetchBasic(address)
	if err != nil {
		return nil, fmt.Errorf("storage: fetching basic %s: %w", address, err)
	}
	s.accountsMu.Lock()
	s.accounts.Add(address, basic)
	s.accountsMu.Unlock()
	return basic, nil
}

func (s *RPC) CodeHash(address common.Address) (*common.Hash, error) {
	s.codeHashMu.Lock()
	if v, ok := s.codeHashes.Get(address); ok {
		s.codeHashMu.Unlock()
		hash, _ := v.(*common.Hash)
		return hash, nil
	}
	s.codeHashMu.Unlock()

	hash, err := s.fetcher.FetchCodeHash(address)
	if err != nil {
		return nil, fmt.Errorf("storage: fetching code hash %s: %w", address, err)
	}
	s.codeHashMu.Lock()
	s.codeHashes.Add(address, hash)
	s.codeHashMu.Unlock()
	return hash, nil
}

func (s *RPC) CodeByHash(codeHash common.Hash) ([]byte, error) {
	s.codeMu.Lock()
	cached := s.code.Get(nil, codeHash[:])
	s.codeMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	code, err := s.fetcher.FetchCode(codeHash)
	if err != nil {
		return nil, fmt.Errorf("storage: fetching code %s: %w", codeHash, err)
	}
	s.codeMu.Lock()
	s.code.Set(codeHash[:], code)
	s.codeMu.Unlock()
	return code, nil
}

func (s *RPC) HasStorage(address common.Address) (bool, error) {
	ok, err := s.fetcher.FetchHasStorage(address)
	if err != nil {
		return false, fmt.Errorf("storage: fetching has-storage %s: %w", address, err)
	}
	return ok, nil
}

func (s *RPC) Storage(address common.Address, slot uint256.Int) (uint256.Int, error) {
	v, err := s.fetcher.FetchStorage(address, slot)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("storage: fetching slot %s/%s: %w", address, slot.String(), err)
	}
	return v, nil
}

func (s *RPC) BlockHash(number uint64) (common.Hash, error) {
	h, err := s.fetcher.FetchBlockHash(number)
	if err != nil {
		return common.Hash{}, fmt.Errorf("storage: fetching block hash %d: %w", number, err)
	}
	return h, nil
}

var _ Storage = (*RPC)(nil)
