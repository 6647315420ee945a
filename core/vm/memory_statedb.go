package vm

// memory_statedb.go provides an in-memory StateDB with snapshot/revert
// support. It backs the unit tests and any tooling that wants to execute
// transactions without a trie-backed database.

import (
	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/crypto"
)

type memAccount struct {
	balance      uint256.Int
	nonce        uint64
	code         []byte
	storage      map[types.Hash]types.Hash
	selfDestruct bool
}

func (a *memAccount) copy() *memAccount {
	c := &memAccount{
		balance:      a.balance,
		nonce:        a.nonce,
		code:         a.code,
		selfDestruct: a.selfDestruct,
		storage:      make(map[types.Hash]types.Hash, len(a.storage)),
	}
	for k, v := range a.storage {
		c.storage[k] = v
	}
	return c
}

type slotKey struct {
	addr types.Address
	slot types.Hash
}

// MemoryStateDB is an in-memory StateDB implementation. Snapshots deep-copy
// the account set, which is fine at test scale.
type MemoryStateDB struct {
	accounts  map[types.Address]*memAccount
	committed map[slotKey]types.Hash
	transient map[slotKey]types.Hash
	logs      []*types.Log
	refund    uint64

	warmAddrs map[types.Address]bool
	warmSlots map[slotKey]bool

	snapshots []*memSnapshot
	nextID    int
}

type memSnapshot struct {
	id        int
	accounts  map[types.Address]*memAccount
	transient map[slotKey]types.Hash
	logLen    int
	refund    uint64
}

// NewMemoryStateDB creates an empty in-memory state database.
func NewMemoryStateDB() *MemoryStateDB {
	return &MemoryStateDB{
		accounts:  make(map[types.Address]*memAccount),
		committed: make(map[slotKey]types.Hash),
		transient: make(map[slotKey]types.Hash),
		warmAddrs: make(map[types.Address]bool),
		warmSlots: make(map[slotKey]bool),
	}
}

func (db *MemoryStateDB) account(addr types.Address) *memAccount {
	acct, ok := db.accounts[addr]
	if !ok {
		acct = &memAccount{storage: make(map[types.Hash]types.Hash)}
		db.accounts[addr] = acct
	}
	return acct
}

// CreateAccount creates the account if it does not already exist.
func (db *MemoryStateDB) CreateAccount(addr types.Address) {
	if _, ok := db.accounts[addr]; !ok {
		db.accounts[addr] = &memAccount{storage: make(map[types.Hash]types.Hash)}
	}
}

func (db *MemoryStateDB) GetBalance(addr types.Address) *uint256.Int {
	if acct, ok := db.accounts[addr]; ok {
		bal := acct.balance
		return &bal
	}
	return new(uint256.Int)
}

func (db *MemoryStateDB) AddBalance(addr types.Address, amount *uint256.Int) {
	acct := db.account(addr)
	acct.balance.Add(&acct.balance, amount)
}

func (db *MemoryStateDB) SubBalance(addr types.Address, amount *uint256.Int) {
	acct := db.account(addr)
	acct.balance.Sub(&acct.balance, amount)
}

func (db *MemoryStateDB) GetNonce(addr types.Address) uint64 {
	if acct, ok := db.accounts[addr]; ok {
		return acct.nonce
	}
	return 0
}

func (db *MemoryStateDB) SetNonce(addr types.Address, nonce uint64) {
	db.account(addr).nonce = nonce
}

func (db *MemoryStateDB) GetCode(addr types.Address) []byte {
	if acct, ok := db.accounts[addr]; ok {
		return acct.code
	}
	return nil
}

func (db *MemoryStateDB) SetCode(addr types.Address, code []byte) {
	db.account(addr).code = code
}

func (db *MemoryStateDB) GetCodeHash(addr types.Address) types.Hash {
	acct, ok := db.accounts[addr]
	if !ok {
		return types.Hash{}
	}
	if len(acct.code) == 0 {
		return types.EmptyCodeHash
	}
	return crypto.Keccak256Hash(acct.code)
}

func (db *MemoryStateDB) GetCodeSize(addr types.Address) int {
	return len(db.GetCode(addr))
}

func (db *MemoryStateDB) GetState(addr types.Address, key types.Hash) types.Hash {
	if acct, ok := db.accounts[addr]; ok {
		return acct.storage[key]
	}
	return types.Hash{}
}

func (db *MemoryStateDB) SetState(addr types.Address, key types.Hash, value types.Hash) {
	acct := db.account(addr)
	sk := slotKey{addr, key}
	if _, ok := db.committed[sk]; !ok {
		db.committed[sk] = acct.storage[key]
	}
	if value.IsZero() {
		delete(acct.storage, key)
		return
	}
	acct.storage[key] = value
}

func (db *MemoryStateDB) GetCommittedState(addr types.Address, key types.Hash) types.Hash {
	sk := slotKey{addr, key}
	if v, ok := db.committed[sk]; ok {
		return v
	}
	return db.GetState(addr, key)
}

// Finalise promotes all pending writes to committed state, resetting the
// original-value tracking used by SSTORE gas accounting.
func (db *MemoryStateDB) Finalise() {
	db.committed = make(map[slotKey]types.Hash)
	db.transient = make(map[slotKey]types.Hash)
	db.warmAddrs = make(map[types.Address]bool)
	db.warmSlots = make(map[slotKey]bool)
	db.refund = 0
	db.snapshots = nil
}

func (db *MemoryStateDB) GetTransientState(addr types.Address, key types.Hash) types.Hash {
	return db.transient[slotKey{addr, key}]
}

func (db *MemoryStateDB) SetTransientState(addr types.Address, key types.Hash, value types.Hash) {
	db.transient[slotKey{addr, key}] = value
}

func (db *MemoryStateDB) Exist(addr types.Address) bool {
	_, ok := db.accounts[addr]
	return ok
}

func (db *MemoryStateDB) Empty(addr types.Address) bool {
	acct, ok := db.accounts[addr]
	if !ok {
		return true
	}
	return acct.nonce == 0 && acct.balance.IsZero() && len(acct.code) == 0
}

// Snapshot records the current state and returns an identifier for
// RevertToSnapshot.
func (db *MemoryStateDB) Snapshot() int {
	snap := &memSnapshot{
		id:        db.nextID,
		accounts:  make(map[types.Address]*memAccount, len(db.accounts)),
		transient: make(map[slotKey]types.Hash, len(db.transient)),
		logLen:    len(db.logs),
		refund:    db.refund,
	}
	for addr, acct := range db.accounts {
		snap.accounts[addr] = acct.copy()
	}
	for k, v := range db.transient {
		snap.transient[k] = v
	}
	db.snapshots = append(db.snapshots, snap)
	db.nextID++
	return snap.id
}

// RevertToSnapshot restores the state recorded by the given snapshot and
// discards it and all later snapshots.
func (db *MemoryStateDB) RevertToSnapshot(id int) {
	for i := len(db.snapshots) - 1; i >= 0; i-- {
		if db.snapshots[i].id != id {
			continue
		}
		snap := db.snapshots[i]
		db.accounts = snap.accounts
		db.transient = snap.transient
		db.logs = db.logs[:snap.logLen]
		db.refund = snap.refund
		db.snapshots = db.snapshots[:i]
		return
	}
}

func (db *MemoryStateDB) AddLog(log *types.Log) {
	db.logs = append(db.logs, log)
}

// Logs returns all logs emitted so far.
func (db *MemoryStateDB) Logs() []*types.Log {
	return db.logs
}

func (db *MemoryStateDB) AddRefund(gas uint64) { db.refund += gas }
func (db *MemoryStateDB) SubRefund(gas uint64) {
	if gas > db.refund {
		db.refund = 0
		return
	}
	db.refund -= gas
}
func (db *MemoryStateDB) GetRefund() uint64 { return db.refund }

func (db *MemoryStateDB) AddAddressToAccessList(addr types.Address) {
	db.warmAddrs[addr] = true
}

func (db *MemoryStateDB) AddSlotToAccessList(addr types.Address, slot types.Hash) {
	db.warmAddrs[addr] = true
	db.warmSlots[slotKey{addr, slot}] = true
}

func (db *MemoryStateDB) AddressInAccessList(addr types.Address) bool {
	return db.warmAddrs[addr]
}

func (db *MemoryStateDB) SlotInAccessList(addr types.Address, slot types.Hash) (bool, bool) {
	return db.warmAddrs[addr], db.warmSlots[slotKey{addr, slot}]
}
