package vm

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
)

func TestMemoryStateDBBalances(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x01")

	if !db.GetBalance(addr).IsZero() {
		t.Fatal("fresh account should have zero balance")
	}
	db.AddBalance(addr, uint256.NewInt(500))
	db.SubBalance(addr, uint256.NewInt(200))
	if db.GetBalance(addr).Uint64() != 300 {
		t.Fatalf("balance = %v, want 300", db.GetBalance(addr))
	}
	// GetBalance returns a copy.
	db.GetBalance(addr).SetUint64(999)
	if db.GetBalance(addr).Uint64() != 300 {
		t.Fatal("GetBalance leaked internal state")
	}
}

func TestMemoryStateDBCodeHash(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x02")

	if !db.GetCodeHash(addr).IsZero() {
		t.Fatal("nonexistent account should hash to zero")
	}
	db.CreateAccount(addr)
	if db.GetCodeHash(addr) != types.EmptyCodeHash {
		t.Fatal("empty account should have the empty code hash")
	}
	db.SetCode(addr, []byte{0x60, 0x00})
	if db.GetCodeHash(addr) == types.EmptyCodeHash {
		t.Fatal("code hash unchanged after SetCode")
	}
	if db.GetCodeSize(addr) != 2 {
		t.Fatalf("code size = %d, want 2", db.GetCodeSize(addr))
	}
}

func TestMemoryStateDBCommittedState(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x03")
	slot := types.HexToHash("0x01")

	db.SetState(addr, slot, types.HexToHash("0xaa"))
	db.SetState(addr, slot, types.HexToHash("0xbb"))
	if db.GetState(addr, slot) != types.HexToHash("0xbb") {
		t.Fatal("GetState should see the latest write")
	}
	// Committed state is the value before the first uncommitted write.
	if !db.GetCommittedState(addr, slot).IsZero() {
		t.Fatal("committed state should be the pre-write value")
	}

	db.Finalise()
	if db.GetCommittedState(addr, slot) != types.HexToHash("0xbb") {
		t.Fatal("Finalise should promote writes to committed state")
	}
}

func TestMemoryStateDBSnapshotRevert(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x04")
	slot := types.HexToHash("0x01")

	db.AddBalance(addr, uint256.NewInt(100))
	db.SetState(addr, slot, types.HexToHash("0x11"))
	db.AddLog(&types.Log{Address: addr})
	db.AddRefund(50)

	snap := db.Snapshot()

	db.SubBalance(addr, uint256.NewInt(60))
	db.SetState(addr, slot, types.HexToHash("0x22"))
	db.SetTransientState(addr, slot, types.HexToHash("0x33"))
	db.AddLog(&types.Log{Address: addr})
	db.AddRefund(25)

	db.RevertToSnapshot(snap)

	if db.GetBalance(addr).Uint64() != 100 {
		t.Fatalf("balance = %v, want 100", db.GetBalance(addr))
	}
	if db.GetState(addr, slot) != types.HexToHash("0x11") {
		t.Fatal("storage not reverted")
	}
	if !db.GetTransientState(addr, slot).IsZero() {
		t.Fatal("transient storage not reverted")
	}
	if len(db.Logs()) != 1 {
		t.Fatalf("logs = %d, want 1", len(db.Logs()))
	}
	if db.GetRefund() != 50 {
		t.Fatalf("refund = %d, want 50", db.GetRefund())
	}
}

func TestMemoryStateDBNestedSnapshots(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x05")

	db.SetNonce(addr, 1)
	outer := db.Snapshot()
	db.SetNonce(addr, 2)
	inner := db.Snapshot()
	db.SetNonce(addr, 3)

	db.RevertToSnapshot(inner)
	if db.GetNonce(addr) != 2 {
		t.Fatalf("nonce = %d, want 2", db.GetNonce(addr))
	}
	db.RevertToSnapshot(outer)
	if db.GetNonce(addr) != 1 {
		t.Fatalf("nonce = %d, want 1", db.GetNonce(addr))
	}
}

func TestMemoryStateDBRevertDiscardsLaterSnapshots(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x06")

	db.SetNonce(addr, 1)
	outer := db.Snapshot()
	db.SetNonce(addr, 2)
	inner := db.Snapshot()

	db.RevertToSnapshot(outer)
	db.SetNonce(addr, 9)
	// The inner snapshot was discarded with the outer revert; reverting to
	// it must be a no-op.
	db.RevertToSnapshot(inner)
	if db.GetNonce(addr) != 9 {
		t.Fatalf("nonce = %d, want 9", db.GetNonce(addr))
	}
}

func TestMemoryStateDBAccessList(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x07")
	slot := types.HexToHash("0x01")

	if db.AddressInAccessList(addr) {
		t.Fatal("address should start cold")
	}
	db.AddSlotToAccessList(addr, slot)
	if !db.AddressInAccessList(addr) {
		t.Fatal("adding a slot should warm the address")
	}
	addrWarm, slotWarm := db.SlotInAccessList(addr, slot)
	if !addrWarm || !slotWarm {
		t.Fatal("slot should be warm")
	}
	_, otherWarm := db.SlotInAccessList(addr, types.HexToHash("0x02"))
	if otherWarm {
		t.Fatal("untouched slot should be cold")
	}
}

func TestMemoryStateDBRefundFloor(t *testing.T) {
	db := NewMemoryStateDB()
	db.AddRefund(10)
	db.SubRefund(25)
	if db.GetRefund() != 0 {
		t.Fatalf("refund = %d, want 0", db.GetRefund())
	}
}

func TestMemoryStateDBExistEmpty(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x08")

	if db.Exist(addr) {
		t.Fatal("account should not exist yet")
	}
	if !db.Empty(addr) {
		t.Fatal("nonexistent account is empty")
	}
	db.CreateAccount(addr)
	if !db.Exist(addr) || !db.Empty(addr) {
		t.Fatal("created account exists but is empty")
	}
	db.SetNonce(addr, 1)
	if db.Empty(addr) {
		t.Fatal("account with nonce is not empty")
	}
}

func TestMemoryStateDBZeroWriteDeletes(t *testing.T) {
	db := NewMemoryStateDB()
	addr := types.HexToAddress("0x09")
	slot := types.HexToHash("0x01")

	db.SetState(addr, slot, types.HexToHash("0xaa"))
	db.SetState(addr, slot, types.Hash{})
	if !db.GetState(addr, slot).IsZero() {
		t.Fatal("zero write should clear the slot")
	}
}

func TestMemoryStateDBCodeIsolation(t *testing.T) {
	db := NewMemoryStateDB()
	a := types.HexToAddress("0x0a")
	b := types.HexToAddress("0x0b")
	db.SetCode(a, []byte{1, 2, 3})
	if db.GetCode(b) != nil {
		t.Fatal("code leaked across accounts")
	}
	if !bytes.Equal(db.GetCode(a), []byte{1, 2, 3}) {
		t.Fatal("code round trip failed")
	}
}
