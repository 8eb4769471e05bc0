package blockstm

import (
	"github.com/cespare/xxhash/v2"
	"github.com/holiman/uint256"

	"github.com/block-stm/pevm/common"
)

// LocationKind tags the variant of a MemoryLocation.
type LocationKind uint8

const (
	// LocationBasic addresses an account's balance + nonce.
	LocationBasic LocationKind = iota
	// LocationCodeHash addresses an account's code-hash slot.
	LocationCodeHash
	// LocationStorage addresses a single storage slot of an account.
	LocationStorage
)

// MemoryLocation is a tagged union over the three kinds of state an EVM
// execution can read or write: an account's basic info, its code hash, or
// one of its storage slots.
type MemoryLocation struct {
	Kind    LocationKind
	Address common.Address
	Slot    uint256.Int // only meaningful when Kind == LocationStorage
}

// BasicLocation builds the location for an account's balance/nonce.
func BasicLocation(addr common.Address) MemoryLocation {
	return MemoryLocation{Kind: LocationBasic, Address: addr}
}

// CodeHashLocation builds the location for an account's code hash.
func CodeHashLocation(addr common.Address) MemoryLocation {
	return MemoryLocation{Kind: LocationCodeHash, Address: addr}
}

// StorageLocation builds the location for a single storage slot.
func StorageLocation(addr common.Address, slot uint256.Int) MemoryLocation {
	return MemoryLocation{Kind: LocationStorage, Address: addr, Slot: slot}
}

// LocationHash identifies a MemoryLocation in the multi-version memory.
// Collisions are astronomically unlikely under adversarial input because
// the hash runs over every discriminant byte (kind, address, slot), but
// are not cryptographically guarded against: a 64-bit hash is not a
// commitment, only a fast, well-distributed index.
type LocationHash uint64

// Hash computes the deterministic 64-bit location hash of l.
func (l MemoryLocation) Hash() LocationHash {
	var buf [1 + common.AddressLength + 32]byte
	buf[0] = byte(l.Kind)
	copy(buf[1:1+common.AddressLength], l.Address[:])
	if l.Kind == LocationStorage {
		b := l.Slot.Bytes32()
		copy(buf[1+common.AddressLength:], b[:])
	}
	return LocationHash(xxhash.Sum64(buf[:]))
}

// BeneficiaryHash is a convenience for the one location every transaction
// in a block is statistically likely to touch.
func BeneficiaryHash(beneficiary common.Address) LocationHash {
	return BasicLocation(beneficiary).Hash()
}
