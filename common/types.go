// Package common holds the small set of primitive types shared across the
// pevm packages: fixed-size addresses and hashes, in the same vein as
// go-ethereum's common package.
package common

import "encoding/hex"

// AddressLength is the expected length of an account address, in bytes.
const AddressLength = 20

// HashLength is the expected length of a hash, in bytes.
const HashLength = 32

// Address represents the 20-byte address of an Ethereum-style account.
type Address [AddressLength]byte

// BytesToAddress converts b to an Address, left-padding or truncating from
// the left as necessary.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// Hex returns the 0x-prefixed hex encoding of the address.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// Hash represents a 32-byte Keccak-family hash.
type Hash [HashLength]byte

// BytesToHash converts b to a Hash, left-padding or truncating from the
// left as necessary.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }
