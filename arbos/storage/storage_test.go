package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/core/vm"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	db := vm.NewMemoryStateDB()
	return NewStorage(db, NewSystemBurner(false))
}

func TestStorageRoundTrip(t *testing.T) {
	sto := newTestStorage(t)
	key := types.HexToHash("0x01")
	value := types.HexToHash("0xdeadbeef")

	if err := sto.Set(key, value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := sto.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != value {
		t.Fatalf("Get = %v, want %v", got, value)
	}

	if err := sto.Clear(key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err = sto.Get(key)
	if err != nil {
		t.Fatalf("Get after Clear: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("Get after Clear = %v, want zero", got)
	}
}

func TestStorageUint64Accessors(t *testing.T) {
	sto := newTestStorage(t)
	if err := sto.SetUint64ByUint64(7, 123456789); err != nil {
		t.Fatalf("SetUint64ByUint64: %v", err)
	}
	v, err := sto.GetUint64ByUint64(7)
	if err != nil {
		t.Fatalf("GetUint64ByUint64: %v", err)
	}
	if v != 123456789 {
		t.Fatalf("value = %d, want 123456789", v)
	}
}

func TestMapAddressDeterminism(t *testing.T) {
	db := vm.NewMemoryStateDB()
	a := NewStorage(db, NewSystemBurner(false))
	b := NewStorage(db, NewSystemBurner(false))

	key := types.HexToHash("0x42")
	if a.mapAddress(key) != b.mapAddress(key) {
		t.Fatal("mapAddress differs between equivalent views")
	}
	// The low byte survives mapping so consecutive keys stay consecutive.
	k0 := a.mapAddress(types.HexToHash("0x00"))
	k1 := a.mapAddress(types.HexToHash("0x01"))
	if k0[31] != 0x00 || k1[31] != 0x01 {
		t.Fatalf("low bytes = %#x, %#x; want 0x00, 0x01", k0[31], k1[31])
	}
	if !bytes.Equal(k0[:31], k1[:31]) {
		t.Fatal("keys sharing a 31-byte prefix should map to the same prefix")
	}
}

func TestSubStorageIsolation(t *testing.T) {
	sto := newTestStorage(t)
	subA := sto.OpenSubStorage([]byte{0x01})
	subB := sto.OpenSubStorage([]byte{0x02})

	key := types.HexToHash("0x05")
	if err := subA.Set(key, types.HexToHash("0xaa")); err != nil {
		t.Fatalf("subA.Set: %v", err)
	}
	if err := subB.Set(key, types.HexToHash("0xbb")); err != nil {
		t.Fatalf("subB.Set: %v", err)
	}

	valueA, _ := subA.Get(key)
	valueB, _ := subB.Get(key)
	if valueA != types.HexToHash("0xaa") || valueB != types.HexToHash("0xbb") {
		t.Fatalf("substorages collide: a=%v b=%v", valueA, valueB)
	}

	// The root view must not see either.
	rootValue, _ := sto.Get(key)
	if !rootValue.IsZero() {
		t.Fatalf("root sees substorage write: %v", rootValue)
	}

	// Nested substorages derive distinct keys too.
	nested := subA.OpenSubStorage([]byte{0x02})
	nestedValue, _ := nested.Get(key)
	if !nestedValue.IsZero() {
		t.Fatalf("nested substorage sees parent write: %v", nestedValue)
	}
}

func TestWriteBytesRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01},
		bytes.Repeat([]byte{0xAB}, 32),
		bytes.Repeat([]byte{0xCD}, 33),
		bytes.Repeat([]byte{0xEF}, 100),
	}
	for _, want := range cases {
		sto := newTestStorage(t).OpenSubStorage([]byte("bytes"))
		if err := sto.WriteBytes(want); err != nil {
			t.Fatalf("WriteBytes(%d bytes): %v", len(want), err)
		}
		got, err := sto.GetBytes()
		if err != nil {
			t.Fatalf("GetBytes(%d bytes): %v", len(want), err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("round trip of %d bytes: got %x, want %x", len(want), got, want)
		}
	}
}

func TestClearBytes(t *testing.T) {
	sto := newTestStorage(t)
	if err := sto.WriteBytes(bytes.Repeat([]byte{0x11}, 70)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := sto.ClearBytes(); err != nil {
		t.Fatalf("ClearBytes: %v", err)
	}
	got, err := sto.GetBytes()
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("after ClearBytes got %d bytes, want 0", len(got))
	}
	for offset := uint64(0); offset <= 3; offset++ {
		value, _ := sto.GetByUint64(offset)
		if !value.IsZero() {
			t.Fatalf("slot %d not cleared: %v", offset, value)
		}
	}
}

func TestGasBurnerExhaustion(t *testing.T) {
	burner := NewGasBurner(StorageWriteCost+StorageReadCost, false)
	sto := NewStorage(vm.NewMemoryStateDB(), burner)

	key := types.HexToHash("0x01")
	if err := sto.Set(key, types.HexToHash("0x02")); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if _, err := sto.Get(key); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if burner.GasLeft() != 0 {
		t.Fatalf("gas left = %d, want 0", burner.GasLeft())
	}
	if _, err := sto.Get(key); !errors.Is(err, vm.ErrOutOfGas) {
		t.Fatalf("exhausted Get err = %v, want ErrOutOfGas", err)
	}
	if burner.Burned() != StorageWriteCost+StorageReadCost {
		t.Fatalf("burned = %d, want %d", burner.Burned(), StorageWriteCost+StorageReadCost)
	}
}

func TestGasBurnerZeroWriteDiscount(t *testing.T) {
	burner := NewGasBurner(StorageWriteZeroCost, false)
	sto := NewStorage(vm.NewMemoryStateDB(), burner)
	if err := sto.Clear(types.HexToHash("0x01")); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if burner.GasLeft() != 0 {
		t.Fatalf("gas left = %d, want 0 (zero write costs %d)", burner.GasLeft(), StorageWriteZeroCost)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	sto := NewStorage(vm.NewMemoryStateDB(), NewSystemBurner(true))
	err := sto.Set(types.HexToHash("0x01"), types.HexToHash("0x02"))
	if !errors.Is(err, ErrStorageReadOnly) {
		t.Fatalf("err = %v, want ErrStorageReadOnly", err)
	}
	// Reads still work.
	if _, err := sto.Get(types.HexToHash("0x01")); err != nil {
		t.Fatalf("Get in read-only view: %v", err)
	}
}

func TestWithBurner(t *testing.T) {
	db := vm.NewMemoryStateDB()
	system := NewSystemBurner(false)
	sto := NewStorage(db, system)

	key := types.HexToHash("0x09")
	if err := sto.Set(key, types.HexToHash("0x0a")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	metered := NewGasBurner(StorageReadCost, false)
	view := sto.WithBurner(metered)
	value, err := view.Get(key)
	if err != nil {
		t.Fatalf("Get via metered view: %v", err)
	}
	if value != types.HexToHash("0x0a") {
		t.Fatalf("value = %v, want 0x0a", value)
	}
	if metered.Burned() != StorageReadCost {
		t.Fatalf("metered burned = %d, want %d", metered.Burned(), StorageReadCost)
	}
}
