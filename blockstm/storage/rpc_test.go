package storage

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/block-stm/pevm/common"
)

// countingFetcher counts calls per method, so tests can assert the RPC
// store's caches actually suppress repeat fetches.
type countingFetcher struct {
	basicCalls int
	codeCalls  int

	basic *AccountBasic
	code  []byte
	err   error
}

func (f *countingFetcher) FetchBasic(common.Address) (*AccountBasic, error) {
	f.basicCalls++
	return f.basic, f.err
}
func (f *countingFetcher) FetchCodeHash(common.Address) (*common.Hash, error) { return nil, f.err }
func (f *countingFetcher) FetchCode(common.Hash) ([]byte, error) {
	f.codeCalls++
	return f.code, f.err
}
func (f *countingFetcher) FetchStorage(common.Address, uint256.Int) (uint256.Int, error) {
	return uint256.Int{}, f.err
}
func (f *countingFetcher) FetchHasStorage(common.Address) (bool, error) { return false, f.err }
func (f *countingFetcher) FetchBlockHash(uint64) (common.Hash, error)   { return common.Hash{}, f.err }

var _ Fetcher = (*countingFetcher)(nil)

func TestRPCBasicIsCachedAfterFirstFetch(t *testing.T) {
	f := &countingFetcher{basic: &AccountBasic{Nonce: 1}}
	s, err := NewRPC(f)
	require.NoError(t, err)

	addr := common.Address{1}
	for i := 0; i < 3; i++ {
		got, err := s.Basic(addr)
		require.NoError(t, err)
		require.Equal(t, uint64(1), got.Nonce)
	}
	require.Equal(t, 1, f.basicCalls, "repeat reads of the same address must hit the cache, not the fetcher")
}

func TestRPCCodeByHashIsCachedAfterFirstFetch(t *testing.T) {
	f := &countingFetcher{code: []byte{0x60, 0x00}}
	s, err := NewRPC(f)
	require.NoError(t, err)

	hash := common.BytesToHash([]byte{7})
	for i := 0; i < 3; i++ {
		got, err := s.CodeByHash(hash)
		require.NoError(t, err)
		require.Equal(t, []byte{0x60, 0x00}, got)
	}
	require.Equal(t, 1, f.codeCalls)
}

func TestRPCPropagatesFetcherErrors(t *testing.T) {
	f := &countingFetcher{err: errors.New("rpc down")}
	s, err := NewRPC(f)
	require.NoError(t, err)

	_, err = s.Basic(common.Address{1})
	require.Error(t, err)
}
