package storage

import (
	"github.com/holiman/uint256"

	"github.com/block-stm/pevm/common"
)

// memAccount is one account's pre-block state in an InMemory store.
type memAccount struct {
	balance  uint256.Int
	nonce    uint64
	codeHash *common.Hash
	storage  map[uint256.Int]uint256.Int
}

// InMemory is a Storage backed by plain Go maps, for tests and for
// benchmarking the engine without a real RPC backend.
type InMemory struct {
	accounts map[common.Address]*memAccount
	code     map[common.Hash][]byte
	blocks   map[uint64]common.Hash
}

// NewInMemory builds an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{
		accounts: make(map[common.Address]*memAccount),
		code:     make(map[common.Hash][]byte),
		blocks:   make(map[uint64]common.Hash),
	}
}

func (s *InMemory) account(address common.Address) *memAccount {
	a, ok := s.accounts[address]
	if !ok {
		a = &memAccount{storage: make(map[uint256.Int]uint256.Int)}
		s.accounts[address] = a
	}
	return a
}

// SetAccount installs an account's balance and nonce. Intended for test
// setup, called before any concurrent reads begin.
func (s *InMemory) SetAccount(address common.Address, balance uint256.Int, nonce uint64) {
	a := s.account(address)
	a.balance = balance
	a.nonce = nonce
}

// SetCode installs an account's code and registers it under its hash.
func (s *InMemory) SetCode(address common.Address, codeHash common.Hash, code []byte) {
	a := s.account(address)
	a.codeHash = &codeHash
	s.code[codeHash] = code
}

// SetStorage installs the value of one storage slot.
func (s *InMemory) SetStorage(address common.Address, slot, value uint256.Int) {
	a := s.account(address)
	a.storage[slot] = value
}

// SetBlockHash installs the hash of a prior block.
func (s *InMemory) SetBlockHash(number uint64, hash common.Hash) {
	s.blocks[number] = hash
}

func (s *InMemory) Basic(address common.Address) (*AccountBasic, error) {
	a, ok := s.accounts[address]
	if !ok {
		return nil, nil
	}
	return &AccountBasic{Balance: a.balance, Nonce: a.nonce}, nil
}

func (s *InMemory) CodeHash(address common.Address) (*common.Hash, error) {
	a, ok := s.accounts[address]
	if !ok {
		return nil, nil
	}
	return a.codeHash, nil
}

func (s *InMemory) CodeByHash(codeHash common.Hash) ([]byte, error) {
	return s.code[codeHash], nil
}

func (s *InMemory) HasStorage(address common.Address) (bool, error) {
	a, ok := s.accounts[address]
	if !ok {
		return false, nil
	}
	return len(a.storage) > 0, nil
}

func (s *InMemory) Storage(address common.Address, slot uint256.Int) (uint256.Int, error) {
	a, ok := s.accounts[address]
	if !ok {
		return uint256.Int{}, nil
	}
	return a.storage[slot], nil
}

func (s *InMemory) BlockHash(number uint64) (common.Hash, error) {
	return s.blocks[number], nil
}

var _ Storage = (*InMemory)(nil)
