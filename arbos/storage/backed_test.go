package storage

import (
	"testing"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/core/vm"
)

func TestStorageBackedScalars(t *testing.T) {
	sto := newTestStorage(t)

	u64 := sto.OpenStorageBackedUint64(0)
	if err := u64.Set(1 << 40); err != nil {
		t.Fatalf("uint64 Set: %v", err)
	}
	if v, _ := u64.Get(); v != 1<<40 {
		t.Fatalf("uint64 = %d, want %d", v, uint64(1)<<40)
	}

	u32 := sto.OpenStorageBackedUint32(1)
	if err := u32.Set(0xDEADBEEF); err != nil {
		t.Fatalf("uint32 Set: %v", err)
	}
	if v, _ := u32.Get(); v != 0xDEADBEEF {
		t.Fatalf("uint32 = %#x, want 0xdeadbeef", v)
	}

	u16 := sto.OpenStorageBackedUint16(2)
	if err := u16.Set(0xBEEF); err != nil {
		t.Fatalf("uint16 Set: %v", err)
	}
	if v, _ := u16.Get(); v != 0xBEEF {
		t.Fatalf("uint16 = %#x, want 0xbeef", v)
	}

	addr := sto.OpenStorageBackedAddress(3)
	want := types.HexToAddress("0x00000000000000000000000000000000000000aa")
	if err := addr.Set(want); err != nil {
		t.Fatalf("address Set: %v", err)
	}
	if v, _ := addr.Get(); v != want {
		t.Fatalf("address = %v, want %v", v, want)
	}

	hash := sto.OpenStorageBackedHash(4)
	wantHash := types.HexToHash("0x1234")
	if err := hash.Set(wantHash); err != nil {
		t.Fatalf("hash Set: %v", err)
	}
	if v, _ := hash.Get(); v != wantHash {
		t.Fatalf("hash = %v, want %v", v, wantHash)
	}
}

func TestAddressSet(t *testing.T) {
	sto := newTestStorage(t).OpenSubStorage([]byte("set"))
	set := OpenAddressSet(sto)

	a := types.HexToAddress("0x00000000000000000000000000000000000000a1")
	b := types.HexToAddress("0x00000000000000000000000000000000000000b2")
	c := types.HexToAddress("0x00000000000000000000000000000000000000c3")

	for _, addr := range []types.Address{a, b, c} {
		if err := set.Add(addr); err != nil {
			t.Fatalf("Add(%v): %v", addr, err)
		}
	}
	// Double add is a no-op.
	if err := set.Add(b); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if size, _ := set.Size(); size != 3 {
		t.Fatalf("size = %d, want 3", size)
	}
	if ok, _ := set.IsMember(b); !ok {
		t.Fatal("b should be a member")
	}
	if ok, _ := set.IsMember(types.HexToAddress("0xdd")); ok {
		t.Fatal("unknown address reported as member")
	}

	// Removing the middle member swaps the last into its place.
	if err := set.Remove(b); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if size, _ := set.Size(); size != 2 {
		t.Fatalf("size after remove = %d, want 2", size)
	}
	if ok, _ := set.IsMember(b); ok {
		t.Fatal("b still a member after Remove")
	}
	members, err := set.AllMembers(10)
	if err != nil {
		t.Fatalf("AllMembers: %v", err)
	}
	seen := map[types.Address]bool{}
	for _, m := range members {
		seen[m] = true
	}
	if !seen[a] || !seen[c] || len(members) != 2 {
		t.Fatalf("members = %v, want {a, c}", members)
	}

	// Removing an absent address is a no-op.
	if err := set.Remove(b); err != nil {
		t.Fatalf("Remove absent: %v", err)
	}
	if size, _ := set.Size(); size != 2 {
		t.Fatalf("size after no-op remove = %d, want 2", size)
	}
}

func TestAddressSetMemberLimit(t *testing.T) {
	sto := newTestStorage(t)
	set := OpenAddressSet(sto)
	for i := byte(1); i <= 5; i++ {
		if err := set.Add(types.BytesToAddress([]byte{i})); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	members, err := set.AllMembers(3)
	if err != nil {
		t.Fatalf("AllMembers: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("len(members) = %d, want 3", len(members))
	}
}

func TestQueue(t *testing.T) {
	sto := newTestStorage(t).OpenSubStorage([]byte("queue"))
	if err := InitializeQueue(sto); err != nil {
		t.Fatalf("InitializeQueue: %v", err)
	}
	q := OpenQueue(sto)

	if empty, _ := q.IsEmpty(); !empty {
		t.Fatal("fresh queue should be empty")
	}
	if v, err := q.Get(); err != nil || v != nil {
		t.Fatalf("Get on empty queue = %v, %v; want nil, nil", v, err)
	}

	first := types.HexToHash("0x01")
	second := types.HexToHash("0x02")
	third := types.HexToHash("0x03")
	for _, h := range []types.Hash{first, second, third} {
		if err := q.Put(h); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if size, _ := q.Size(); size != 3 {
		t.Fatalf("size = %d, want 3", size)
	}

	got, err := q.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || *got != first {
		t.Fatalf("Get = %v, want %v", got, first)
	}
	got, _ = q.Get()
	if got == nil || *got != second {
		t.Fatalf("Get = %v, want %v", got, second)
	}
	if size, _ := q.Size(); size != 1 {
		t.Fatalf("size = %d, want 1", size)
	}
	got, _ = q.Get()
	if got == nil || *got != third {
		t.Fatalf("Get = %v, want %v", got, third)
	}
	if empty, _ := q.IsEmpty(); !empty {
		t.Fatal("drained queue should be empty")
	}
}

func TestQueueInterleaved(t *testing.T) {
	db := vm.NewMemoryStateDB()
	sto := NewStorage(db, NewSystemBurner(false))
	if err := InitializeQueue(sto); err != nil {
		t.Fatalf("InitializeQueue: %v", err)
	}
	q := OpenQueue(sto)

	// Interleave puts and gets; FIFO order must hold throughout.
	next := uint64(0)
	expect := uint64(0)
	put := func(n int) {
		for i := 0; i < n; i++ {
			next++
			if err := q.Put(util64ToHash(next)); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	take := func(n int) {
		for i := 0; i < n; i++ {
			expect++
			got, err := q.Get()
			if err != nil || got == nil {
				t.Fatalf("Get: %v, %v", got, err)
			}
			if hashToUint64(*got) != expect {
				t.Fatalf("Get = %d, want %d", hashToUint64(*got), expect)
			}
		}
	}
	put(3)
	take(2)
	put(2)
	take(3)
	if empty, _ := q.IsEmpty(); !empty {
		t.Fatal("queue should be empty")
	}
}
