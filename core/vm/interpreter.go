package vm

// interpreter.go implements the native bytecode interpreter: a stack machine
// with single-switch dispatch over the subset of the Cancun opcode set the
// execution layer needs. Warm/cold account and slot costs follow EIP-2929;
// call gas forwarding follows EIP-150.

import (
	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/crypto"
)

// Stack is the interpreter's operand stack of 256-bit words.
type Stack struct {
	data []uint256.Int
}

// NewStack creates an empty operand stack.
func NewStack() *Stack {
	return &Stack{data: make([]uint256.Int, 0, 16)}
}

// Len returns the number of items on the stack.
func (st *Stack) Len() int { return len(st.data) }

func (st *Stack) push(v *uint256.Int) {
	st.data = append(st.data, *v)
}

func (st *Stack) pop() (uint256.Int, bool) {
	if len(st.data) == 0 {
		return uint256.Int{}, false
	}
	v := st.data[len(st.data)-1]
	st.data = st.data[:len(st.data)-1]
	return v, true
}

// Back returns the n'th item from the top without popping it.
func (st *Stack) Back(n int) *uint256.Int {
	return &st.data[len(st.data)-1-n]
}

// Memory is the interpreter's byte-addressed scratch memory.
type Memory struct {
	store []byte
}

// NewMemory creates an empty memory.
func NewMemory() *Memory { return &Memory{} }

// Len returns the current memory size in bytes.
func (m *Memory) Len() int { return len(m.store) }

// Resize grows memory to the given size (word-aligned by the caller).
func (m *Memory) Resize(size uint64) {
	if uint64(len(m.store)) < size {
		m.store = append(m.store, make([]byte, size-uint64(len(m.store)))...)
	}
}

// GetCopy returns a copy of memory[offset : offset+size].
func (m *Memory) GetCopy(offset, size uint64) []byte {
	if size == 0 {
		return nil
	}
	out := make([]byte, size)
	if offset < uint64(len(m.store)) {
		copy(out, m.store[offset:])
	}
	return out
}

// Set writes value into memory at the given offset.
func (m *Memory) Set(offset, size uint64, value []byte) {
	if size == 0 {
		return
	}
	copy(m.store[offset:offset+size], value)
}

const stackLimit = 1024

// interpState bundles the per-frame interpreter state.
type interpState struct {
	pc    uint64
	stack *Stack
	mem   *Memory
}

// expandMem charges for and performs memory expansion to cover
// [offset, offset+size).
func (in *interpState) expandMem(contract *Contract, offset, size uint64) bool {
	if size == 0 {
		return true
	}
	end := offset + size
	if end < offset {
		return false
	}
	newSize := toWordSize(end) * 32
	if uint64(in.mem.Len()) >= newSize {
		return true
	}
	if !contract.UseGas(MemoryExpansionGas(uint64(in.mem.Len()), newSize)) {
		return false
	}
	in.mem.Resize(newSize)
	return true
}

// Run executes the contract bytecode in the interpreter loop. It returns the
// frame's output data; reverts surface as ErrExecutionReverted with the
// revert payload attached.
func (evm *EVM) Run(contract *Contract, input []byte) ([]byte, error) {
	contract.Input = input
	in := &interpState{stack: NewStack(), mem: NewMemory()}

	for {
		op := contract.GetOp(in.pc)
		ret, done, err := evm.step(contract, in, op)
		if err != nil || done {
			return ret, err
		}
	}
}

func (evm *EVM) step(contract *Contract, in *interpState, op byte) (ret []byte, done bool, err error) {
	st := in.stack

	pop := func() (uint256.Int, error) {
		v, ok := st.pop()
		if !ok {
			return v, ErrStackUnderflow
		}
		return v, nil
	}
	push := func(v *uint256.Int) error {
		if st.Len() >= stackLimit {
			return ErrStackOverflow
		}
		st.push(v)
		return nil
	}
	use := func(gas uint64) error {
		if !contract.UseGas(gas) {
			return ErrOutOfGas
		}
		return nil
	}
	binop := func(gas uint64, fn func(z, x, y *uint256.Int) *uint256.Int) error {
		if err := use(gas); err != nil {
			return err
		}
		y, e := pop()
		if e != nil {
			return e
		}
		x, e := pop()
		if e != nil {
			return e
		}
		var z uint256.Int
		fn(&z, &x, &y)
		return push(&z)
	}

	switch {
	case op == 0x00: // STOP
		return nil, true, nil

	case op == 0x01: // ADD
		return nil, false, advance(in, binop(GasFastestStep, (*uint256.Int).Add))
	case op == 0x02: // MUL
		return nil, false, advance(in, binop(GasFastStep, (*uint256.Int).Mul))
	case op == 0x03: // SUB
		return nil, false, advance(in, binop(GasFastestStep, (*uint256.Int).Sub))
	case op == 0x04: // DIV
		return nil, false, advance(in, binop(GasFastStep, (*uint256.Int).Div))
	case op == 0x10: // LT
		return nil, false, advance(in, binop(GasFastestStep, func(z, x, y *uint256.Int) *uint256.Int {
			return boolWord(z, x.Lt(y))
		}))
	case op == 0x11: // GT
		return nil, false, advance(in, binop(GasFastestStep, func(z, x, y *uint256.Int) *uint256.Int {
			return boolWord(z, x.Gt(y))
		}))
	case op == 0x14: // EQ
		return nil, false, advance(in, binop(GasFastestStep, func(z, x, y *uint256.Int) *uint256.Int {
			return boolWord(z, x.Eq(y))
		}))
	case op == 0x16: // AND
		return nil, false, advance(in, binop(GasFastestStep, (*uint256.Int).And))
	case op == 0x17: // OR
		return nil, false, advance(in, binop(GasFastestStep, (*uint256.Int).Or))
	case op == 0x18: // XOR
		return nil, false, advance(in, binop(GasFastestStep, (*uint256.Int).Xor))

	case op == 0x15: // ISZERO
		if err := use(GasFastestStep); err != nil {
			return nil, false, err
		}
		x, e := pop()
		if e != nil {
			return nil, false, e
		}
		var z uint256.Int
		boolWord(&z, x.IsZero())
		return nil, false, advance(in, push(&z))

	case op == 0x20: // KECCAK256
		size, e := popPair(pop)
		if e != nil {
			return nil, false, e
		}
		offset, length := size[0], size[1]
		if err := use(Sha3Gas(length.Uint64())); err != nil {
			return nil, false, err
		}
		if !in.expandMem(contract, offset.Uint64(), length.Uint64()) {
			return nil, false, ErrOutOfGas
		}
		h := crypto.Keccak256(in.mem.GetCopy(offset.Uint64(), length.Uint64()))
		var z uint256.Int
		z.SetBytes(h)
		return nil, false, advance(in, push(&z))

	case op == 0x30: // ADDRESS
		return nil, false, advance(in, pushBytes(push, use, GasQuickStep, contract.Address[:]))
	case op == 0x33: // CALLER
		return nil, false, advance(in, pushBytes(push, use, GasQuickStep, contract.CallerAddress[:]))
	case op == 0x34: // CALLVALUE
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		v := *contract.Value
		return nil, false, advance(in, push(&v))
	case op == 0x32: // ORIGIN
		return nil, false, advance(in, pushBytes(push, use, GasQuickStep, evm.TxContext.Origin[:]))

	case op == 0x31: // BALANCE
		x, e := pop()
		if e != nil {
			return nil, false, e
		}
		addr := types.BytesToAddress(x.Bytes())
		if err := use(evm.AccountAccessGas(addr)); err != nil {
			return nil, false, err
		}
		bal := evm.StateDB.GetBalance(addr)
		v := *bal
		return nil, false, advance(in, push(&v))

	case op == 0x35: // CALLDATALOAD
		if err := use(GasFastestStep); err != nil {
			return nil, false, err
		}
		x, e := pop()
		if e != nil {
			return nil, false, e
		}
		var word [32]byte
		off := x.Uint64()
		if x.IsUint64() && off < uint64(len(contract.Input)) {
			copy(word[:], contract.Input[off:])
		}
		var z uint256.Int
		z.SetBytes(word[:])
		return nil, false, advance(in, push(&z))

	case op == 0x36: // CALLDATASIZE
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		var z uint256.Int
		z.SetUint64(uint64(len(contract.Input)))
		return nil, false, advance(in, push(&z))

	case op == 0x37: // CALLDATACOPY
		args, e := popN(pop, 3)
		if e != nil {
			return nil, false, e
		}
		memOff, dataOff, length := args[0].Uint64(), args[1].Uint64(), args[2].Uint64()
		if err := use(GasFastestStep + CopyGas(length)); err != nil {
			return nil, false, err
		}
		if !in.expandMem(contract, memOff, length) {
			return nil, false, ErrOutOfGas
		}
		if length > 0 {
			data := make([]byte, length)
			if dataOff < uint64(len(contract.Input)) {
				copy(data, contract.Input[dataOff:])
			}
			in.mem.Set(memOff, length, data)
		}
		return nil, false, advance(in, nil)

	case op == 0x3d: // RETURNDATASIZE
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		var z uint256.Int
		z.SetUint64(evm.returnData.Size())
		return nil, false, advance(in, push(&z))

	case op == 0x3e: // RETURNDATACOPY
		args, e := popN(pop, 3)
		if e != nil {
			return nil, false, e
		}
		memOff, dataOff, length := args[0].Uint64(), args[1].Uint64(), args[2].Uint64()
		if err := use(GasFastestStep + CopyGas(length)); err != nil {
			return nil, false, err
		}
		data, err := evm.returnData.Slice(dataOff, length)
		if err != nil {
			return nil, false, err
		}
		if !in.expandMem(contract, memOff, length) {
			return nil, false, ErrOutOfGas
		}
		in.mem.Set(memOff, length, data)
		return nil, false, advance(in, nil)

	case op == 0x43: // NUMBER
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		var z uint256.Int
		z.SetUint64(evm.Context.BlockNumber)
		return nil, false, advance(in, push(&z))
	case op == 0x42: // TIMESTAMP
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		var z uint256.Int
		z.SetUint64(evm.Context.Time)
		return nil, false, advance(in, push(&z))

	case op == 0x50: // POP
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		_, e := pop()
		return nil, false, advance(in, e)

	case op == 0x51: // MLOAD
		if err := use(GasFastestStep); err != nil {
			return nil, false, err
		}
		x, e := pop()
		if e != nil {
			return nil, false, e
		}
		off := x.Uint64()
		if !in.expandMem(contract, off, 32) {
			return nil, false, ErrOutOfGas
		}
		var z uint256.Int
		z.SetBytes(in.mem.GetCopy(off, 32))
		return nil, false, advance(in, push(&z))

	case op == 0x52: // MSTORE
		args, e := popN(pop, 2)
		if e != nil {
			return nil, false, e
		}
		if err := use(GasFastestStep); err != nil {
			return nil, false, err
		}
		off := args[0].Uint64()
		if !in.expandMem(contract, off, 32) {
			return nil, false, ErrOutOfGas
		}
		word := args[1].Bytes32()
		in.mem.Set(off, 32, word[:])
		return nil, false, advance(in, nil)

	case op == 0x54: // SLOAD
		x, e := pop()
		if e != nil {
			return nil, false, e
		}
		slot := types.BytesToHash(x.Bytes())
		if err := use(evm.SlotAccessGas(contract.Address, slot)); err != nil {
			return nil, false, err
		}
		val := evm.StateDB.GetState(contract.Address, slot)
		var z uint256.Int
		z.SetBytes(val[:])
		return nil, false, advance(in, push(&z))

	case op == 0x55: // SSTORE
		if evm.readOnly {
			return nil, false, ErrWriteProtection
		}
		args, e := popN(pop, 2)
		if e != nil {
			return nil, false, e
		}
		slot := types.BytesToHash(args[0].Bytes())
		val := types.BytesToHash(args[1].Bytes())
		cold := evm.SlotIsCold(contract.Address, slot)
		original := evm.StateDB.GetCommittedState(contract.Address, slot)
		current := evm.StateDB.GetState(contract.Address, slot)
		gas, refund := SstoreGas(original, current, val, cold)
		if err := use(gas); err != nil {
			return nil, false, err
		}
		applyRefund(evm.StateDB, refund)
		evm.StateDB.SetState(contract.Address, slot, val)
		return nil, false, advance(in, nil)

	case op == 0x56: // JUMP
		if err := use(GasMidStep); err != nil {
			return nil, false, err
		}
		x, e := pop()
		if e != nil {
			return nil, false, e
		}
		if !x.IsUint64() || !contract.validJumpdest(x.Uint64()) {
			return nil, false, ErrInvalidJump
		}
		in.pc = x.Uint64()
		return nil, false, nil

	case op == 0x57: // JUMPI
		if err := use(GasMidStep + 2); err != nil {
			return nil, false, err
		}
		args, e := popN(pop, 2)
		if e != nil {
			return nil, false, e
		}
		if !args[1].IsZero() {
			if !args[0].IsUint64() || !contract.validJumpdest(args[0].Uint64()) {
				return nil, false, ErrInvalidJump
			}
			in.pc = args[0].Uint64()
			return nil, false, nil
		}
		return nil, false, advance(in, nil)

	case op == 0x5a: // GAS
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		var z uint256.Int
		z.SetUint64(contract.Gas)
		return nil, false, advance(in, push(&z))

	case op == 0x5b: // JUMPDEST
		return nil, false, advance(in, use(1))

	case op == 0x5c: // TLOAD
		x, e := pop()
		if e != nil {
			return nil, false, e
		}
		if err := use(GasTload); err != nil {
			return nil, false, err
		}
		val := evm.StateDB.GetTransientState(contract.Address, types.BytesToHash(x.Bytes()))
		var z uint256.Int
		z.SetBytes(val[:])
		return nil, false, advance(in, push(&z))

	case op == 0x5d: // TSTORE
		if evm.readOnly {
			return nil, false, ErrWriteProtection
		}
		args, e := popN(pop, 2)
		if e != nil {
			return nil, false, e
		}
		if err := use(GasTstore); err != nil {
			return nil, false, err
		}
		evm.StateDB.SetTransientState(contract.Address, types.BytesToHash(args[0].Bytes()), types.BytesToHash(args[1].Bytes()))
		return nil, false, advance(in, nil)

	case op == 0x5f: // PUSH0
		if err := use(GasQuickStep); err != nil {
			return nil, false, err
		}
		var z uint256.Int
		return nil, false, advance(in, push(&z))

	case op >= 0x60 && op <= 0x7f: // PUSH1..PUSH32
		if err := use(GasFastestStep); err != nil {
			return nil, false, err
		}
		n := uint64(op - 0x5f)
		var z uint256.Int
		start := in.pc + 1
		end := start + n
		if start < uint64(len(contract.Code)) {
			if end > uint64(len(contract.Code)) {
				end = uint64(len(contract.Code))
			}
			z.SetBytes(contract.Code[start:end])
		}
		if err := push(&z); err != nil {
			return nil, false, err
		}
		in.pc += n + 1
		return nil, false, nil

	case op >= 0x80 && op <= 0x8f: // DUP1..DUP16
		if err := use(GasFastestStep); err != nil {
			return nil, false, err
		}
		n := int(op - 0x80)
		if st.Len() <= n {
			return nil, false, ErrStackUnderflow
		}
		v := *st.Back(n)
		return nil, false, advance(in, push(&v))

	case op >= 0x90 && op <= 0x9f: // SWAP1..SWAP16
		if err := use(GasFastestStep); err != nil {
			return nil, false, err
		}
		n := int(op-0x90) + 1
		if st.Len() <= n {
			return nil, false, ErrStackUnderflow
		}
		st.data[st.Len()-1], st.data[st.Len()-1-n] = st.data[st.Len()-1-n], st.data[st.Len()-1]
		return nil, false, advance(in, nil)

	case op >= 0xa0 && op <= 0xa4: // LOG0..LOG4
		if evm.readOnly {
			return nil, false, ErrWriteProtection
		}
		numTopics := int(op - 0xa0)
		args, e := popN(pop, 2+numTopics)
		if e != nil {
			return nil, false, e
		}
		offset, length := args[0].Uint64(), args[1].Uint64()
		if err := use(LogGas(uint64(numTopics), length)); err != nil {
			return nil, false, err
		}
		if !in.expandMem(contract, offset, length) {
			return nil, false, ErrOutOfGas
		}
		topics := make([]types.Hash, numTopics)
		for i := 0; i < numTopics; i++ {
			topics[i] = types.BytesToHash(args[2+i].Bytes())
		}
		evm.StateDB.AddLog(&types.Log{
			Address:     contract.Address,
			Topics:      topics,
			Data:        in.mem.GetCopy(offset, length),
			BlockNumber: evm.Context.BlockNumber,
		})
		return nil, false, advance(in, nil)

	case op == 0xf0: // CREATE
		return evm.opCreate(contract, in, pop, push, false)
	case op == 0xf5: // CREATE2
		return evm.opCreate(contract, in, pop, push, true)

	case op == 0xf1: // CALL
		return evm.opCall(contract, in, pop, push, FrameCall)
	case op == 0xf4: // DELEGATECALL
		return evm.opCall(contract, in, pop, push, FrameDelegateCall)
	case op == 0xfa: // STATICCALL
		return evm.opCall(contract, in, pop, push, FrameStaticCall)

	case op == 0xf3: // RETURN
		args, e := popN(pop, 2)
		if e != nil {
			return nil, false, e
		}
		offset, length := args[0].Uint64(), args[1].Uint64()
		if !in.expandMem(contract, offset, length) {
			return nil, false, ErrOutOfGas
		}
		return in.mem.GetCopy(offset, length), true, nil

	case op == 0xfd: // REVERT
		args, e := popN(pop, 2)
		if e != nil {
			return nil, false, e
		}
		offset, length := args[0].Uint64(), args[1].Uint64()
		if !in.expandMem(contract, offset, length) {
			return nil, false, ErrOutOfGas
		}
		return in.mem.GetCopy(offset, length), true, ErrExecutionReverted

	case op == 0xfe: // INVALID
		return nil, false, ErrInvalidOpCode

	default:
		return nil, false, ErrInvalidOpCode
	}
}

// opCall implements the CALL, DELEGATECALL and STATICCALL opcodes.
func (evm *EVM) opCall(contract *Contract, in *interpState, pop func() (uint256.Int, error), push func(*uint256.Int) error, frameType CallFrameType) ([]byte, bool, error) {
	nargs := 7
	if frameType != FrameCall {
		nargs = 6
	}
	args, e := popN(pop, nargs)
	if e != nil {
		return nil, false, e
	}

	gasReq := args[0].Uint64()
	if !args[0].IsUint64() {
		gasReq = ^uint64(0)
	}
	addr := types.BytesToAddress(args[1].Bytes())
	var value uint256.Int
	argBase := 2
	if frameType == FrameCall {
		value = args[2]
		argBase = 3
	}
	inOff, inLen := args[argBase].Uint64(), args[argBase+1].Uint64()
	outOff, outLen := args[argBase+2].Uint64(), args[argBase+3].Uint64()

	// EIP-2929 account access cost.
	if !contract.UseGas(evm.AccountAccessGas(addr)) {
		return nil, false, ErrOutOfGas
	}
	transfersValue := !value.IsZero()
	if transfersValue {
		if evm.readOnly {
			return nil, false, ErrWriteProtection
		}
		if !contract.UseGas(GasCallValue) {
			return nil, false, ErrOutOfGas
		}
	}

	if !in.expandMem(contract, inOff, inLen) || !in.expandMem(contract, outOff, outLen) {
		return nil, false, ErrOutOfGas
	}
	input := in.mem.GetCopy(inOff, inLen)

	childGas, deduction := ForwardGas(contract.Gas, gasReq, transfersValue)
	if !contract.UseGas(deduction) {
		return nil, false, ErrOutOfGas
	}

	var (
		ret     []byte
		gasLeft uint64
		err     error
	)
	switch frameType {
	case FrameCall:
		ret, gasLeft, err = evm.Call(contract.Address, addr, input, childGas, &value)
	case FrameDelegateCall:
		ret, gasLeft, err = evm.DelegateCall(contract.CallerAddress, contract.Address, addr, input, childGas, contract.Value)
	case FrameStaticCall:
		ret, gasLeft, err = evm.StaticCall(contract.Address, addr, input, childGas)
	}
	contract.RefundGas(gasLeft)
	evm.returnData.Set(ret)

	if outLen > 0 && len(ret) > 0 {
		n := uint64(len(ret))
		if n > outLen {
			n = outLen
		}
		in.mem.Set(outOff, n, ret)
	}

	var status uint256.Int
	if err == nil {
		status.SetOne()
	}
	if e := push(&status); e != nil {
		return nil, false, e
	}
	in.pc++
	return nil, false, nil
}

// opCreate implements the CREATE and CREATE2 opcodes.
func (evm *EVM) opCreate(contract *Contract, in *interpState, pop func() (uint256.Int, error), push func(*uint256.Int) error, isCreate2 bool) ([]byte, bool, error) {
	nargs := 3
	if isCreate2 {
		nargs = 4
	}
	args, e := popN(pop, nargs)
	if e != nil {
		return nil, false, e
	}
	value := args[0]
	offset, length := args[1].Uint64(), args[2].Uint64()
	if !in.expandMem(contract, offset, length) {
		return nil, false, ErrOutOfGas
	}
	code := in.mem.GetCopy(offset, length)

	var (
		ret     []byte
		addr    types.Address
		gasLeft uint64
		err     error
	)
	gas := contract.Gas
	contract.Gas = 0
	if isCreate2 {
		salt := types.BytesToHash(args[3].Bytes())
		extra := CopyGas(length) * 2 // hashing the initcode
		if gas < extra {
			return nil, false, ErrOutOfGas
		}
		gas -= extra
		ret, addr, gasLeft, err = evm.Create2(contract.Address, code, gas, &value, salt)
	} else {
		ret, addr, gasLeft, err = evm.Create(contract.Address, code, gas, &value)
	}
	contract.Gas = gasLeft
	if err != nil && errorIsRevert(err) {
		evm.returnData.Set(ret)
	} else {
		evm.returnData.Clear()
	}

	var z uint256.Int
	if err == nil {
		z.SetBytes(addr[:])
	}
	if e := push(&z); e != nil {
		return nil, false, e
	}
	in.pc++
	return nil, false, nil
}

func errorIsRevert(err error) bool {
	return err == ErrExecutionReverted
}

// advance moves to the next opcode unless err is set.
func advance(in *interpState, err error) error {
	if err != nil {
		return err
	}
	in.pc++
	return nil
}

func boolWord(z *uint256.Int, v bool) *uint256.Int {
	if v {
		return z.SetOne()
	}
	return z.Clear()
}

func pushBytes(push func(*uint256.Int) error, use func(uint64) error, gas uint64, b []byte) error {
	if err := use(gas); err != nil {
		return err
	}
	var z uint256.Int
	z.SetBytes(b)
	return push(&z)
}

// popPair pops two values (top first).
func popPair(pop func() (uint256.Int, error)) ([2]uint256.Int, error) {
	var out [2]uint256.Int
	for i := 0; i < 2; i++ {
		v, err := pop()
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// popN pops n values, top of stack first.
func popN(pop func() (uint256.Int, error), n int) ([]uint256.Int, error) {
	out := make([]uint256.Int, n)
	for i := 0; i < n; i++ {
		v, err := pop()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// applyRefund adjusts the state refund counter by the signed delta.
func applyRefund(db StateDB, refund int64) {
	if refund > 0 {
		db.AddRefund(uint64(refund))
	} else if refund < 0 {
		db.SubRefund(uint64(-refund))
	}
}
