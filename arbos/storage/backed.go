package storage

// backed.go provides typed single-slot accessors and two composite layouts,
// the address set and the queue, over a Storage view. Each wrapper owns a
// fixed slot (or substorage) and round-trips its Go type through the
// 32-byte slot encoding.

import (
	"github.com/iosiro/arbos-go/core/types"
)

// StorageBackedUint64 is a uint64 stored at a fixed slot.
type StorageBackedUint64 struct {
	storage *Storage
	offset  uint64
}

// OpenStorageBackedUint64 opens the uint64 stored at the given slot.
func (s *Storage) OpenStorageBackedUint64(offset uint64) StorageBackedUint64 {
	return StorageBackedUint64{s, offset}
}

func (sbu StorageBackedUint64) Get() (uint64, error) {
	return sbu.storage.GetUint64ByUint64(sbu.offset)
}

func (sbu StorageBackedUint64) Set(value uint64) error {
	return sbu.storage.SetUint64ByUint64(sbu.offset, value)
}

// StorageBackedUint32 is a uint32 stored at a fixed slot.
type StorageBackedUint32 struct {
	storage *Storage
	offset  uint64
}

// OpenStorageBackedUint32 opens the uint32 stored at the given slot.
func (s *Storage) OpenStorageBackedUint32(offset uint64) StorageBackedUint32 {
	return StorageBackedUint32{s, offset}
}

func (sbu StorageBackedUint32) Get() (uint32, error) {
	v, err := sbu.storage.GetUint64ByUint64(sbu.offset)
	return uint32(v), err
}

func (sbu StorageBackedUint32) Set(value uint32) error {
	return sbu.storage.SetUint64ByUint64(sbu.offset, uint64(value))
}

// StorageBackedUint16 is a uint16 stored at a fixed slot.
type StorageBackedUint16 struct {
	storage *Storage
	offset  uint64
}

// OpenStorageBackedUint16 opens the uint16 stored at the given slot.
func (s *Storage) OpenStorageBackedUint16(offset uint64) StorageBackedUint16 {
	return StorageBackedUint16{s, offset}
}

func (sbu StorageBackedUint16) Get() (uint16, error) {
	v, err := sbu.storage.GetUint64ByUint64(sbu.offset)
	return uint16(v), err
}

func (sbu StorageBackedUint16) Set(value uint16) error {
	return sbu.storage.SetUint64ByUint64(sbu.offset, uint64(value))
}

// StorageBackedAddress is an address stored at a fixed slot.
type StorageBackedAddress struct {
	storage *Storage
	offset  uint64
}

// OpenStorageBackedAddress opens the address stored at the given slot.
func (s *Storage) OpenStorageBackedAddress(offset uint64) StorageBackedAddress {
	return StorageBackedAddress{s, offset}
}

func (sba StorageBackedAddress) Get() (types.Address, error) {
	value, err := sba.storage.GetByUint64(sba.offset)
	return types.BytesToAddress(value[:]), err
}

func (sba StorageBackedAddress) Set(value types.Address) error {
	return sba.storage.SetByUint64(sba.offset, value.Hash())
}

// StorageBackedHash is a 32-byte hash stored at a fixed slot.
type StorageBackedHash struct {
	storage *Storage
	offset  uint64
}

// OpenStorageBackedHash opens the hash stored at the given slot.
func (s *Storage) OpenStorageBackedHash(offset uint64) StorageBackedHash {
	return StorageBackedHash{s, offset}
}

func (sbh StorageBackedHash) Get() (types.Hash, error) {
	return sbh.storage.GetByUint64(sbh.offset)
}

func (sbh StorageBackedHash) Set(value types.Hash) error {
	return sbh.storage.SetByUint64(sbh.offset, value)
}

// AddressSet is a storage-backed set of addresses: the size in slot 0, the
// members in slots 1..size, and a by-address index in a substorage so
// membership checks cost one read.
type AddressSet struct {
	backingStorage *Storage
	size           StorageBackedUint64
	byAddress      *Storage
}

// OpenAddressSet opens the address set rooted at sto.
func OpenAddressSet(sto *Storage) *AddressSet {
	return &AddressSet{
		backingStorage: sto,
		size:           sto.OpenStorageBackedUint64(0),
		byAddress:      sto.OpenSubStorage([]byte{0}),
	}
}

// Size returns the number of members.
func (as *AddressSet) Size() (uint64, error) {
	return as.size.Get()
}

// IsMember reports whether addr is in the set.
func (as *AddressSet) IsMember(addr types.Address) (bool, error) {
	value, err := as.byAddress.Get(addr.Hash())
	return !value.IsZero(), err
}

// Add inserts addr. Adding an existing member is a no-op.
func (as *AddressSet) Add(addr types.Address) error {
	present, err := as.IsMember(addr)
	if present || err != nil {
		return err
	}
	size, err := as.size.Get()
	if err != nil {
		return err
	}
	// The by-address index stores position+1 so zero means absent.
	slot := util64ToHash(size + 1)
	if err := as.byAddress.Set(addr.Hash(), slot); err != nil {
		return err
	}
	if err := as.backingStorage.SetByUint64(size+1, addr.Hash()); err != nil {
		return err
	}
	return as.size.Set(size + 1)
}

// Remove deletes addr, moving the last member into its position.
func (as *AddressSet) Remove(addr types.Address) error {
	slot, err := as.byAddress.Get(addr.Hash())
	if err != nil {
		return err
	}
	if slot.IsZero() {
		return nil
	}
	position := hashToUint64(slot)
	size, err := as.size.Get()
	if err != nil {
		return err
	}
	if err := as.byAddress.Clear(addr.Hash()); err != nil {
		return err
	}
	if position != size {
		moved, err := as.backingStorage.GetByUint64(size)
		if err != nil {
			return err
		}
		if err := as.backingStorage.SetByUint64(position, moved); err != nil {
			return err
		}
		if err := as.byAddress.Set(moved, util64ToHash(position)); err != nil {
			return err
		}
	}
	if err := as.backingStorage.ClearByUint64(size); err != nil {
		return err
	}
	return as.size.Set(size - 1)
}

// AllMembers returns up to maxMembers members of the set.
func (as *AddressSet) AllMembers(maxMembers uint64) ([]types.Address, error) {
	size, err := as.size.Get()
	if err != nil {
		return nil, err
	}
	if size > maxMembers {
		size = maxMembers
	}
	members := make([]types.Address, size)
	for i := range members {
		value, err := as.backingStorage.GetByUint64(uint64(i + 1))
		if err != nil {
			return nil, err
		}
		members[i] = types.BytesToAddress(value[:])
	}
	return members, nil
}

// Queue is a storage-backed FIFO: head index in slot 0, tail index in
// slot 1, elements in slots head..tail-1.
type Queue struct {
	storage *Storage
	head    StorageBackedUint64
	tail    StorageBackedUint64
}

// InitializeQueue writes an empty queue into sto. Indices start at 2 so
// they never collide with the head and tail slots.
func InitializeQueue(sto *Storage) error {
	if err := sto.SetUint64ByUint64(0, 2); err != nil {
		return err
	}
	return sto.SetUint64ByUint64(1, 2)
}

// OpenQueue opens the queue rooted at sto.
func OpenQueue(sto *Storage) *Queue {
	return &Queue{
		storage: sto,
		head:    sto.OpenStorageBackedUint64(0),
		tail:    sto.OpenStorageBackedUint64(1),
	}
}

// IsEmpty reports whether the queue holds no elements.
func (q *Queue) IsEmpty() (bool, error) {
	head, err := q.head.Get()
	if err != nil {
		return false, err
	}
	tail, err := q.tail.Get()
	if err != nil {
		return false, err
	}
	return head >= tail, nil
}

// Size returns the number of elements.
func (q *Queue) Size() (uint64, error) {
	head, err := q.head.Get()
	if err != nil {
		return 0, err
	}
	tail, err := q.tail.Get()
	if err != nil {
		return 0, err
	}
	if tail < head {
		return 0, nil
	}
	return tail - head, nil
}

// Put appends value to the queue.
func (q *Queue) Put(value types.Hash) error {
	tail, err := q.tail.Get()
	if err != nil {
		return err
	}
	if err := q.storage.SetByUint64(tail, value); err != nil {
		return err
	}
	return q.tail.Set(tail + 1)
}

// Get removes and returns the oldest element, or nil if empty.
func (q *Queue) Get() (*types.Hash, error) {
	empty, err := q.IsEmpty()
	if err != nil || empty {
		return nil, err
	}
	head, err := q.head.Get()
	if err != nil {
		return nil, err
	}
	value, err := q.storage.GetByUint64(head)
	if err != nil {
		return nil, err
	}
	if err := q.storage.ClearByUint64(head); err != nil {
		return nil, err
	}
	if err := q.head.Set(head + 1); err != nil {
		return nil, err
	}
	return &value, nil
}
