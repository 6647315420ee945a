// Package storage implements the persistent state layer: a hierarchical
// keyed view over one account's storage trie. Substorage roots are derived
// by hashing, so unrelated subsystems can never collide, and every access
// is metered through a Burner.
package storage

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/core/vm"
	"github.com/iosiro/arbos-go/crypto"
)

// StateAddress is the account whose storage trie holds all system state.
// The account is given a nonzero nonce at genesis so it is never treated
// as empty.
var StateAddress = types.HexToAddress("0xA4B05FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF")

// Storage access costs, charged to the burner per trie operation.
const (
	StorageReadCost      uint64 = 800
	StorageWriteCost     uint64 = 20000
	StorageWriteZeroCost uint64 = 5000
)

var ErrStorageReadOnly = errors.New("storage: write in read-only context")

// Burner meters gas consumed by storage operations.
type Burner interface {
	Burn(amount uint64) error
	Burned() uint64
	ReadOnly() bool
}

// SystemBurner performs no metering. It is used at genesis initialization
// and in system-initiated operations that are not charged to a caller.
type SystemBurner struct {
	burned   uint64
	readOnly bool
}

// NewSystemBurner creates an unmetered burner.
func NewSystemBurner(readOnly bool) *SystemBurner {
	return &SystemBurner{readOnly: readOnly}
}

func (b *SystemBurner) Burn(amount uint64) error {
	b.burned += amount
	return nil
}

func (b *SystemBurner) Burned() uint64  { return b.burned }
func (b *SystemBurner) ReadOnly() bool  { return b.readOnly }

// GasBurner charges storage costs against a bounded gas allowance.
type GasBurner struct {
	gasLeft  uint64
	burned   uint64
	readOnly bool
}

// NewGasBurner creates a burner with the given allowance.
func NewGasBurner(gas uint64, readOnly bool) *GasBurner {
	return &GasBurner{gasLeft: gas, readOnly: readOnly}
}

func (b *GasBurner) Burn(amount uint64) error {
	if amount > b.gasLeft {
		b.burned += b.gasLeft
		b.gasLeft = 0
		return vm.ErrOutOfGas
	}
	b.gasLeft -= amount
	b.burned += amount
	return nil
}

func (b *GasBurner) Burned() uint64  { return b.burned }
func (b *GasBurner) GasLeft() uint64 { return b.gasLeft }
func (b *GasBurner) ReadOnly() bool  { return b.readOnly }

// Storage is a hierarchical view over the state account's storage trie.
// The root view has an empty key; substorages carry the hash-derived key
// of their position in the hierarchy.
type Storage struct {
	account types.Address
	db      vm.StateDB
	key     []byte
	burner  Burner
}

// NewStorage creates a root view over the system account in db.
func NewStorage(db vm.StateDB, burner Burner) *Storage {
	return &Storage{
		account: StateAddress,
		db:      db,
		burner:  burner,
	}
}

// Burner returns the burner metering this view.
func (s *Storage) Burner() Burner {
	return s.burner
}

// WithBurner returns a view of the same storage metered by a different burner.
func (s *Storage) WithBurner(burner Burner) *Storage {
	return &Storage{account: s.account, db: s.db, key: s.key, burner: burner}
}

// OpenSubStorage opens the substorage rooted at id under this view. The
// derived key is keccak256(parentKey ++ id), so distinct ids never collide
// and the root's unhashed slots stay out of reach of any substorage.
func (s *Storage) OpenSubStorage(id []byte) *Storage {
	return &Storage{
		account: s.account,
		db:      s.db,
		key:     crypto.Keccak256(s.key, id),
		burner:  s.burner,
	}
}

// mapAddress derives the trie slot for a key in this view:
// keccak256(viewKey ++ key[:31])[:31] ++ key[31]. The root view's empty
// key contributes no bytes to the hash. Keeping the key's low byte
// verbatim lets consecutive keys land in consecutive slots, which the
// byte-array and queue layouts rely on.
func (s *Storage) mapAddress(key types.Hash) types.Hash {
	var mapped types.Hash
	copy(mapped[:31], crypto.Keccak256(s.key, key[:31])[:31])
	mapped[31] = key[31]
	return mapped
}

// Get reads the value at key, charging the read cost.
func (s *Storage) Get(key types.Hash) (types.Hash, error) {
	if err := s.burner.Burn(StorageReadCost); err != nil {
		return types.Hash{}, err
	}
	return s.db.GetState(s.account, s.mapAddress(key)), nil
}

// GetByUint64 reads the value at the uint64-indexed slot.
func (s *Storage) GetByUint64(key uint64) (types.Hash, error) {
	return s.Get(util64ToHash(key))
}

// GetUint64ByUint64 reads a uint64 stored at the uint64-indexed slot.
func (s *Storage) GetUint64ByUint64(key uint64) (uint64, error) {
	value, err := s.GetByUint64(key)
	if err != nil {
		return 0, err
	}
	return hashToUint64(value), nil
}

// Set writes value at key, charging the write cost.
func (s *Storage) Set(key, value types.Hash) error {
	if s.burner.ReadOnly() {
		return ErrStorageReadOnly
	}
	cost := StorageWriteCost
	if value.IsZero() {
		cost = StorageWriteZeroCost
	}
	if err := s.burner.Burn(cost); err != nil {
		return err
	}
	s.db.SetState(s.account, s.mapAddress(key), value)
	return nil
}

// SetByUint64 writes value at the uint64-indexed slot.
func (s *Storage) SetByUint64(key uint64, value types.Hash) error {
	return s.Set(util64ToHash(key), value)
}

// SetUint64ByUint64 writes a uint64 at the uint64-indexed slot.
func (s *Storage) SetUint64ByUint64(key uint64, value uint64) error {
	return s.SetByUint64(key, util64ToHash(value))
}

// Clear zeroes the value at key.
func (s *Storage) Clear(key types.Hash) error {
	return s.Set(key, types.Hash{})
}

// ClearByUint64 zeroes the uint64-indexed slot.
func (s *Storage) ClearByUint64(key uint64) error {
	return s.SetByUint64(key, types.Hash{})
}

// WriteBytes stores a variable-length byte string: the length in slot 0
// and the contents in 32-byte chunks in the following slots.
func (s *Storage) WriteBytes(b []byte) error {
	if err := s.SetUint64ByUint64(0, uint64(len(b))); err != nil {
		return err
	}
	offset := uint64(1)
	for len(b) >= 32 {
		if err := s.SetByUint64(offset, types.BytesToHash(b[:32])); err != nil {
			return err
		}
		b = b[32:]
		offset++
	}
	if len(b) > 0 {
		var chunk types.Hash
		copy(chunk[:], b)
		return s.SetByUint64(offset, chunk)
	}
	return nil
}

// GetBytes reads back a byte string written by WriteBytes.
func (s *Storage) GetBytes() ([]byte, error) {
	length, err := s.GetUint64ByUint64(0)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for offset, remaining := uint64(1), length; remaining > 0; offset++ {
		chunk, err := s.GetByUint64(offset)
		if err != nil {
			return nil, err
		}
		if remaining >= 32 {
			out = append(out, chunk[:]...)
			remaining -= 32
		} else {
			out = append(out, chunk[:remaining]...)
			remaining = 0
		}
	}
	return out, nil
}

// ClearBytes zeroes a byte string written by WriteBytes.
func (s *Storage) ClearBytes() error {
	length, err := s.GetUint64ByUint64(0)
	if err != nil {
		return err
	}
	slots := (length + 31) / 32
	for offset := uint64(1); offset <= slots; offset++ {
		if err := s.ClearByUint64(offset); err != nil {
			return err
		}
	}
	return s.ClearByUint64(0)
}

func util64ToHash(value uint64) types.Hash {
	return types.Hash(uint256.NewInt(value).Bytes32())
}

func hashToUint64(h types.Hash) uint64 {
	var v uint256.Int
	v.SetBytes(h[:])
	return v.Uint64()
}

// HashToUint256 converts a slot value to a 256-bit integer.
func HashToUint256(h types.Hash) *uint256.Int {
	var v uint256.Int
	v.SetBytes(h[:])
	return &v
}

// Uint256ToHash converts a 256-bit integer to a slot value.
func Uint256ToHash(v *uint256.Int) types.Hash {
	return types.Hash(v.Bytes32())
}
