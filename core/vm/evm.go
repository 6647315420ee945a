package vm

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/crypto"
)

// GetHashFunc returns the hash of the block with the given number.
type GetHashFunc func(uint64) types.Hash

// BlockContext provides the EVM with block-level information.
type BlockContext struct {
	GetHash     GetHashFunc
	BlockNumber uint64
	Time        uint64
	Coinbase    types.Address
	GasLimit    uint64
	BaseFee     *uint256.Int
	PrevRandao  types.Hash
}

// TxContext provides the EVM with transaction-level information.
type TxContext struct {
	Origin   types.Address
	GasPrice *uint256.Int
}

// Config holds EVM configuration options.
type Config struct {
	Debug        bool
	ChainID      uint64
	MaxCallDepth int
}

// ForeignRunner executes contract code that the native interpreter does not
// understand. The EVM consults it before running any code; if CanRun reports
// true the runner takes over the frame, receiving the same gas allowance and
// returning leftover gas exactly like a native execution would.
type ForeignRunner interface {
	CanRun(code []byte) bool
	Run(evm *EVM, contract *Contract, input []byte, readOnly bool) ([]byte, uint64, error)
}

// EVM is the execution environment for a single transaction. It is not
// safe for concurrent use; nested calls recurse on the same instance.
type EVM struct {
	Context   BlockContext
	TxContext TxContext
	Config    Config
	StateDB   StateDB

	frames     *CallFrameStack
	returnData *ReturnDataBuffer
	readOnly   bool
	foreign    ForeignRunner
}

// NewEVM creates a new EVM instance.
func NewEVM(blockCtx BlockContext, txCtx TxContext, config Config) *EVM {
	if config.MaxCallDepth == 0 {
		config.MaxCallDepth = MaxCallDepth
	}
	return &EVM{
		Context:    blockCtx,
		TxContext:  txCtx,
		Config:     config,
		frames:     NewCallFrameStackWithLimit(config.MaxCallDepth),
		returnData: NewReturnDataBuffer(),
	}
}

// NewEVMWithState creates a new EVM instance with state access.
func NewEVMWithState(blockCtx BlockContext, txCtx TxContext, config Config, stateDB StateDB) *EVM {
	evm := NewEVM(blockCtx, txCtx, config)
	evm.StateDB = stateDB
	return evm
}

// SetForeignRunner installs the runner consulted for non-native code.
func (evm *EVM) SetForeignRunner(r ForeignRunner) {
	evm.foreign = r
}

// ForeignRunner returns the installed runner, or nil.
func (evm *EVM) ForeignRunner() ForeignRunner {
	return evm.foreign
}

// Depth returns the current call depth.
func (evm *EVM) Depth() int {
	return evm.frames.Depth()
}

// ReadOnly reports whether the EVM is currently in a static context.
func (evm *EVM) ReadOnly() bool {
	return evm.readOnly
}

// ReturnData returns the return data of the most recent completed subcall.
func (evm *EVM) ReturnData() []byte {
	return evm.returnData.Data()
}

// run dispatches one frame's execution to either the foreign runner or the
// native interpreter.
func (evm *EVM) run(contract *Contract, input []byte, readOnly bool) ([]byte, error) {
	if evm.foreign != nil && evm.foreign.CanRun(contract.Code) {
		ret, gasLeft, err := evm.foreign.Run(evm, contract, input, readOnly)
		contract.Gas = gasLeft
		return ret, err
	}
	return evm.Run(contract, input)
}

// execFrame pushes a call frame, runs the contract, and pops the frame,
// applying the shared snapshot-revert rules: any error other than a revert
// consumes all gas; both revert and error roll the state back.
func (evm *EVM) execFrame(frame *CallFrame, contract *Contract, input []byte) ([]byte, uint64, error) {
	if err := evm.frames.Push(frame); err != nil {
		return nil, contract.Gas, err
	}
	prevReadOnly := evm.readOnly
	if frame.ReadOnly {
		evm.readOnly = true
	}

	ret, err := evm.run(contract, input, evm.readOnly)

	evm.readOnly = prevReadOnly
	frame.ReturnData = ret
	evm.frames.Pop()

	gasLeft := contract.Gas
	if err != nil {
		evm.StateDB.RevertToSnapshot(frame.SnapshotID)
		if !errors.Is(err, ErrExecutionReverted) {
			gasLeft = 0
		}
	}
	return ret, gasLeft, err
}

// Call executes a message call to the given address with the given input,
// gas, and value.
func (evm *EVM) Call(caller, addr types.Address, input []byte, gas uint64, value *uint256.Int) ([]byte, uint64, error) {
	if evm.StateDB == nil {
		return nil, gas, ErrNoStateDB
	}
	if !evm.frames.CanPush() {
		return nil, gas, ErrMaxCallDepthExceeded
	}
	if value != nil && !value.IsZero() && evm.readOnly {
		return nil, gas, ErrWriteProtection
	}

	snapshot := evm.StateDB.Snapshot()

	if !evm.StateDB.Exist(addr) {
		evm.StateDB.CreateAccount(addr)
	}
	if value != nil && !value.IsZero() {
		if evm.StateDB.GetBalance(caller).Lt(value) {
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, gas, ErrInsufficientBalance
		}
		evm.StateDB.SubBalance(caller, value)
		evm.StateDB.AddBalance(addr, value)
	}

	code := evm.StateDB.GetCode(addr)
	if len(code) == 0 {
		return nil, gas, nil
	}

	contract := NewContract(caller, addr, value, gas)
	contract.Code = code
	contract.CodeHash = evm.StateDB.GetCodeHash(addr)

	frame := &CallFrame{
		Type:       FrameCall,
		Caller:     caller,
		To:         addr,
		Value:      contract.Value,
		GasStart:   gas,
		Input:      input,
		SnapshotID: snapshot,
	}
	return evm.execFrame(frame, contract, input)
}

// DelegateCall runs the callee's code in the caller's context, preserving
// the original caller and value.
func (evm *EVM) DelegateCall(caller, self, codeAddr types.Address, input []byte, gas uint64, value *uint256.Int) ([]byte, uint64, error) {
	if evm.StateDB == nil {
		return nil, gas, ErrNoStateDB
	}
	if !evm.frames.CanPush() {
		return nil, gas, ErrMaxCallDepthExceeded
	}

	snapshot := evm.StateDB.Snapshot()

	code := evm.StateDB.GetCode(codeAddr)
	if len(code) == 0 {
		return nil, gas, nil
	}

	// Storage operations happen on the current contract's storage, not the
	// code address's.
	contract := NewContract(caller, self, value, gas)
	contract.SetCallCode(&codeAddr, evm.StateDB.GetCodeHash(codeAddr), code)

	frame := &CallFrame{
		Type:       FrameDelegateCall,
		Caller:     caller,
		To:         codeAddr,
		Value:      contract.Value,
		GasStart:   gas,
		Input:      input,
		SnapshotID: snapshot,
	}
	return evm.execFrame(frame, contract, input)
}

// StaticCall executes a read-only message call. Any state modification made
// below this frame is rejected with ErrWriteProtection.
func (evm *EVM) StaticCall(caller, addr types.Address, input []byte, gas uint64) ([]byte, uint64, error) {
	if evm.StateDB == nil {
		return nil, gas, ErrNoStateDB
	}
	if !evm.frames.CanPush() {
		return nil, gas, ErrMaxCallDepthExceeded
	}

	snapshot := evm.StateDB.Snapshot()

	code := evm.StateDB.GetCode(addr)
	if len(code) == 0 {
		return nil, gas, nil
	}

	contract := NewContract(caller, addr, new(uint256.Int), gas)
	contract.Code = code
	contract.CodeHash = evm.StateDB.GetCodeHash(addr)

	frame := &CallFrame{
		Type:       FrameStaticCall,
		Caller:     caller,
		To:         addr,
		Value:      contract.Value,
		GasStart:   gas,
		Input:      input,
		ReadOnly:   true,
		SnapshotID: snapshot,
	}
	return evm.execFrame(frame, contract, input)
}

// Create creates a new contract with the given init code.
func (evm *EVM) Create(caller types.Address, code []byte, gas uint64, value *uint256.Int) ([]byte, types.Address, uint64, error) {
	if evm.StateDB == nil {
		return nil, types.Address{}, gas, ErrNoStateDB
	}
	nonce := evm.StateDB.GetNonce(caller)
	evm.StateDB.SetNonce(caller, nonce+1)
	contractAddr := createAddress(caller, nonce)
	return evm.create(caller, code, gas, value, contractAddr, FrameCreate)
}

// Create2 creates a new contract using CREATE2 with the given salt.
func (evm *EVM) Create2(caller types.Address, code []byte, gas uint64, endowment *uint256.Int, salt types.Hash) ([]byte, types.Address, uint64, error) {
	if evm.StateDB == nil {
		return nil, types.Address{}, gas, ErrNoStateDB
	}
	initCodeHash := crypto.Keccak256(code)
	contractAddr := create2Address(caller, salt, initCodeHash)
	return evm.create(caller, code, gas, endowment, contractAddr, FrameCreate2)
}

// create is the shared implementation for Create and Create2.
func (evm *EVM) create(caller types.Address, code []byte, gas uint64, value *uint256.Int, contractAddr types.Address, frameType CallFrameType) ([]byte, types.Address, uint64, error) {
	if !evm.frames.CanPush() {
		return nil, types.Address{}, gas, ErrMaxCallDepthExceeded
	}
	if evm.readOnly {
		return nil, types.Address{}, gas, ErrWriteProtection
	}
	if len(code) > MaxInitCodeSize {
		return nil, types.Address{}, gas, errors.New("max initcode size exceeded")
	}

	snapshot := evm.StateDB.Snapshot()

	evm.StateDB.CreateAccount(contractAddr)
	evm.StateDB.SetNonce(contractAddr, 1)

	if value != nil && !value.IsZero() {
		if evm.StateDB.GetBalance(caller).Lt(value) {
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, types.Address{}, gas, ErrInsufficientBalance
		}
		evm.StateDB.SubBalance(caller, value)
		evm.StateDB.AddBalance(contractAddr, value)
	}

	if gas < GasCreate {
		return nil, types.Address{}, 0, ErrOutOfGas
	}
	gas -= GasCreate

	// EIP-3860: charge initcode word gas (2 per 32-byte word).
	if len(code) > 0 {
		initCodeGas := InitCodeWordGas * toWordSize(uint64(len(code)))
		if gas < initCodeGas {
			return nil, types.Address{}, 0, ErrOutOfGas
		}
		gas -= initCodeGas
	}

	// Apply the 63/64 rule (EIP-150) to gas available for init code.
	callGas := gas - gas/CallGasFraction
	gas -= callGas

	contract := NewContract(caller, contractAddr, value, callGas)
	contract.Code = code

	frame := &CallFrame{
		Type:       frameType,
		Caller:     caller,
		To:         contractAddr,
		Value:      contract.Value,
		GasStart:   callGas,
		SnapshotID: snapshot,
	}
	ret, gasLeft, err := evm.execFrame(frame, contract, nil)
	gas += gasLeft
	if err != nil {
		return ret, types.Address{}, gas, err
	}

	// Code deposit cost: 200 per byte of deployed code.
	if len(ret) > 0 {
		if len(ret) > MaxCodeSize {
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, types.Address{}, 0, ErrMaxCodeSizeExceeded
		}
		depositCost := uint64(len(ret)) * CreateDataGas
		if gas < depositCost {
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, types.Address{}, 0, ErrOutOfGas
		}
		gas -= depositCost
		evm.StateDB.SetCode(contractAddr, ret)
	}

	return ret, contractAddr, gas, nil
}

// createAddress computes the address of a contract created with CREATE.
// Per the Yellow Paper: addr = keccak256(rlp([sender, nonce]))[12:]
func createAddress(caller types.Address, nonce uint64) types.Address {
	addrEnc := encodeRLPBytes(caller[:])
	nonceEnc := encodeRLPUint(nonce)
	payload := append(addrEnc, nonceEnc...)
	data := wrapRLPList(payload)
	hash := crypto.Keccak256(data)
	return types.BytesToAddress(hash[12:])
}

// create2Address computes the address of a contract created with CREATE2.
// addr = keccak256(0xff ++ caller ++ salt ++ keccak256(initCode))[12:]
func create2Address(caller types.Address, salt types.Hash, initCodeHash []byte) types.Address {
	data := make([]byte, 0, 85)
	data = append(data, 0xff)
	data = append(data, caller[:]...)
	data = append(data, salt[:]...)
	data = append(data, initCodeHash...)
	hash := crypto.Keccak256(data)
	return types.BytesToAddress(hash[12:])
}

// encodeRLPBytes encodes a byte slice as an RLP string.
func encodeRLPBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	if len(b) < 56 {
		return append([]byte{byte(0x80 + len(b))}, b...)
	}
	lenBytes := uintToMinBytes(uint64(len(b)))
	header := append([]byte{byte(0xb7 + len(lenBytes))}, lenBytes...)
	return append(header, b...)
}

// encodeRLPUint encodes a uint64 as an RLP integer.
func encodeRLPUint(v uint64) []byte {
	if v == 0 {
		return []byte{0x80}
	}
	if v < 128 {
		return []byte{byte(v)}
	}
	b := uintToMinBytes(v)
	return append([]byte{byte(0x80 + len(b))}, b...)
}

// wrapRLPList wraps payload bytes in an RLP list header.
func wrapRLPList(payload []byte) []byte {
	if len(payload) < 56 {
		return append([]byte{byte(0xc0 + len(payload))}, payload...)
	}
	lenBytes := uintToMinBytes(uint64(len(payload)))
	header := append([]byte{byte(0xf7 + len(lenBytes))}, lenBytes...)
	return append(header, payload...)
}

// uintToMinBytes encodes a uint64 as big-endian bytes with no leading zeros.
func uintToMinBytes(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var buf [8]byte
	n := 0
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
		if buf[i] != 0 || n > 0 {
			n = 8 - i
		}
	}
	return buf[8-n:]
}

// AccountAccessGas warms addr and returns the total access cost: the warm
// cost if already in the access list, the cold cost otherwise (EIP-2929).
func (evm *EVM) AccountAccessGas(addr types.Address) uint64 {
	if evm.StateDB.AddressInAccessList(addr) {
		return WarmStorageReadCost
	}
	evm.StateDB.AddAddressToAccessList(addr)
	return ColdAccountAccessCost
}

// SlotAccessGas warms (addr, slot) and returns the total access cost: the
// warm cost if already in the access list, the cold cost otherwise.
func (evm *EVM) SlotAccessGas(addr types.Address, slot types.Hash) uint64 {
	_, slotWarm := evm.StateDB.SlotInAccessList(addr, slot)
	if slotWarm {
		return WarmStorageReadCost
	}
	evm.StateDB.AddSlotToAccessList(addr, slot)
	return ColdSloadCost
}

// SlotIsCold warms (addr, slot) and reports whether it was cold before.
func (evm *EVM) SlotIsCold(addr types.Address, slot types.Hash) bool {
	_, slotWarm := evm.StateDB.SlotInAccessList(addr, slot)
	if slotWarm {
		return false
	}
	evm.StateDB.AddSlotToAccessList(addr, slot)
	return true
}
