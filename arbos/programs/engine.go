package programs

// engine.go is the metered interpreter for activated programs. Execution is
// accounted in ink rather than gas, and every interaction with the chain
// goes through a RequestHandler callback supplied by the caller. The engine
// itself never touches state.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
)

// OutcomeKind classifies how a program finished.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRevert
	OutcomeFailure
	OutcomeOutOfInk
	OutcomeOutOfStack
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRevert:
		return "revert"
	case OutcomeFailure:
		return "failure"
	case OutcomeOutOfInk:
		return "out of ink"
	case OutcomeOutOfStack:
		return "out of stack"
	}
	return "unknown"
}

// Outcome is the result of running a program to completion.
type Outcome struct {
	Kind    OutcomeKind
	Data    []byte
	InkLeft uint64
}

// RequestHandler services host requests issued by a running program. It
// returns the primary result, an optional raw buffer (return data, account
// code), and the gas cost to charge. A non-nil error is a protocol
// violation and traps the program.
type RequestHandler func(kind RequestKind, payload []byte) (result []byte, raw []byte, cost uint64, err error)

// EvmData is the immutable snapshot of block, transaction, and frame
// context a program can observe without issuing a host request.
type EvmData struct {
	BlockBasefee    *uint256.Int
	BlockCoinbase   types.Address
	BlockGasLimit   uint64
	BlockNumber     uint64
	BlockTimestamp  uint64
	ChainID         uint64
	ContractAddress types.Address
	ModuleHash      types.Hash
	MsgSender       types.Address
	MsgValue        *uint256.Int
	TxGasPrice      *uint256.Int
	TxOrigin        types.Address
	Reentrant       uint32
	ReadOnly        bool
}

// WASM opcodes the engine executes.
const (
	opUnreachable byte = 0x00
	opNop         byte = 0x01
	opBlock       byte = 0x02
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0B
	opBr          byte = 0x0C
	opBrIf        byte = 0x0D
	opReturn      byte = 0x0F
	opCall        byte = 0x10
	opDrop        byte = 0x1A
	opSelect      byte = 0x1B
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opI32Load     byte = 0x28
	opI32Load8U   byte = 0x2D
	opI32Store    byte = 0x36
	opI32Store8   byte = 0x3A
	opMemorySize  byte = 0x3F
	opMemoryGrow  byte = 0x40
	opI32Const    byte = 0x41
	opI32Eqz      byte = 0x45
	opI32Eq       byte = 0x46
	opI32Ne       byte = 0x47
	opI32LtU      byte = 0x49
	opI32GtU      byte = 0x4B
	opI32LeU      byte = 0x4D
	opI32GeU      byte = 0x4F
	opI32Add      byte = 0x6A
	opI32Sub      byte = 0x6B
	opI32Mul      byte = 0x6C
	opI32DivU     byte = 0x6E
	opI32RemU     byte = 0x70
	opI32And      byte = 0x71
	opI32Or       byte = 0x72
	opI32Xor      byte = 0x73
	opI32Shl      byte = 0x74
	opI32ShrU     byte = 0x76
)

const wasmPageSize = 64 * 1024

// Ink charged per instruction class.
const (
	opcodeInk = 70
	memOpInk  = 300
	callInk   = 13750
	hostioInk = 8400
)

// keccakInkPer32 is charged per 32-byte word hashed by native_keccak256,
// on top of the hostio base.
const keccakInkPer32 = 41920

const maxCallFrames = 1024

// Engine control errors. These never escape RunProgram.
var (
	errOutOfInk      = errors.New("out of ink")
	errStackExceeded = errors.New("value stack exceeded")
	errTrap          = errors.New("program trap")
	errExitEarly     = errors.New("exit early")
)

type storageWrite struct {
	key   types.Hash
	value types.Hash
}

type engine struct {
	mod     *module
	params  *StylusParams
	data    *EvmData
	handler RequestHandler

	ink     uint64
	memory  []byte
	args    []byte
	result  []byte
	rawData []byte // raw buffer from the last call or create

	// Pending storage writes, flushed in order. cacheIdx lets loads see
	// their own uncommitted writes.
	cache    []storageWrite
	cacheIdx map[types.Hash]int

	depth      int
	exitStatus uint32
}

// RunProgram executes a parsed module's entrypoint against the given
// calldata with an ink budget, servicing host requests through handler.
func RunProgram(m *module, input []byte, ink uint64, params *StylusParams, data *EvmData, handler RequestHandler) Outcome {
	e := &engine{
		mod:      m,
		params:   params,
		data:     data,
		handler:  handler,
		ink:      ink,
		memory:   make([]byte, int(m.memPages)*wasmPageSize),
		args:     input,
		cacheIdx: make(map[types.Hash]int),
	}
	status, err := e.callFunc(m.entry, uint32(len(input)))
	if err != nil {
		switch {
		case errors.Is(err, errExitEarly):
			status = e.exitStatus
		case errors.Is(err, errOutOfInk):
			return Outcome{Kind: OutcomeOutOfInk}
		case errors.Is(err, errStackExceeded):
			return Outcome{Kind: OutcomeOutOfStack}
		default:
			return Outcome{Kind: OutcomeFailure, InkLeft: e.ink}
		}
	}
	if status != 0 {
		return Outcome{Kind: OutcomeRevert, Data: e.result, InkLeft: e.ink}
	}
	// Unflushed storage writes are committed at the end of a successful run.
	if err := e.flushStorage(false); err != nil {
		if errors.Is(err, errOutOfInk) {
			return Outcome{Kind: OutcomeOutOfInk}
		}
		return Outcome{Kind: OutcomeFailure, InkLeft: e.ink}
	}
	return Outcome{Kind: OutcomeSuccess, Data: e.result, InkLeft: e.ink}
}

func (e *engine) burn(ink uint64) error {
	if e.ink < ink {
		e.ink = 0
		return errOutOfInk
	}
	e.ink -= ink
	return nil
}

// burnGas charges a cost expressed in gas, converted at the ink price.
func (e *engine) burnGas(gas uint64) error {
	return e.burn(e.params.GasToInk(gas))
}

func (e *engine) gasLeft() uint64 {
	return e.params.InkToGas(e.ink)
}

// callFunc runs local function index fn with a single i32 argument and
// returns its i32 result.
func (e *engine) callFunc(fn int, arg uint32) (uint32, error) {
	if e.depth >= maxCallFrames {
		return 0, errStackExceeded
	}
	e.depth++
	defer func() { e.depth-- }()

	body := e.mod.funcBodies[fn]
	locals, pc, err := parseLocals(body)
	if err != nil {
		return 0, errTrap
	}
	locals[0] = arg

	var stack []uint32
	push := func(v uint32) error {
		if uint32(len(stack)) >= e.params.MaxStackDepth {
			return errStackExceeded
		}
		stack = append(stack, v)
		return nil
	}
	pop := func() (uint32, error) {
		if len(stack) == 0 {
			return 0, errTrap
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	type ctrl struct {
		op    byte
		start int
	}
	var control []ctrl

	for pc < len(body) {
		op := body[pc]
		pc++
		if err := e.burn(opcodeInk); err != nil {
			return 0, err
		}
		switch op {
		case opUnreachable:
			return 0, errTrap
		case opNop:

		case opBlock, opLoop:
			pc++ // block type
			control = append(control, ctrl{op: op, start: pc})
		case opIf:
			pc++
			cond, err := pop()
			if err != nil {
				return 0, err
			}
			if cond != 0 {
				control = append(control, ctrl{op: opBlock, start: pc})
			} else {
				end, hasElse, err := skipToEnd(body, pc)
				if err != nil {
					return 0, err
				}
				if hasElse {
					control = append(control, ctrl{op: opBlock, start: end})
					pc = end
				} else {
					pc = end
				}
			}
		case opElse:
			// Reached only when falling out of a taken if-arm.
			end, _, err := skipToEnd(body, pc)
			if err != nil {
				return 0, err
			}
			pc = end
			if len(control) > 0 {
				control = control[:len(control)-1]
			}
		case opEnd:
			if len(control) == 0 {
				// Function end: return the value on top, zero if empty.
				if len(stack) == 0 {
					return 0, nil
				}
				return stack[len(stack)-1], nil
			}
			control = control[:len(control)-1]
		case opBr, opBrIf:
			depth, n, err := decodeLEB128(body[pc:])
			if err != nil {
				return 0, errTrap
			}
			pc += n
			if op == opBrIf {
				cond, err := pop()
				if err != nil {
					return 0, err
				}
				if cond == 0 {
					continue
				}
			}
			if int(depth) >= len(control) {
				return 0, errTrap
			}
			target := control[len(control)-1-int(depth)]
			control = control[:len(control)-1-int(depth)]
			if target.op == opLoop {
				control = append(control, target)
				pc = target.start
			} else {
				end, _, err := skipToEnd(body, target.start)
				if err != nil {
					return 0, err
				}
				pc = end
			}
		case opReturn:
			if len(stack) == 0 {
				return 0, nil
			}
			return stack[len(stack)-1], nil

		case opCall:
			idx, n, err := decodeLEB128(body[pc:])
			if err != nil {
				return 0, errTrap
			}
			pc += n
			if err := e.burn(callInk); err != nil {
				return 0, err
			}
			if int(idx) < len(e.mod.imports) {
				if err := e.callHost(e.mod.imports[idx], &stack); err != nil {
					return 0, err
				}
				continue
			}
			local := int(idx) - len(e.mod.imports)
			if local >= len(e.mod.funcBodies) {
				return 0, errTrap
			}
			arg, _ := pop()
			ret, err := e.callFunc(local, arg)
			if err != nil {
				return 0, err
			}
			if err := push(ret); err != nil {
				return 0, err
			}

		case opDrop:
			if _, err := pop(); err != nil {
				return 0, err
			}
		case opSelect:
			c, err1 := pop()
			b, err2 := pop()
			a, err3 := pop()
			if err1 != nil || err2 != nil || err3 != nil {
				return 0, errTrap
			}
			if c != 0 {
				err = push(a)
			} else {
				err = push(b)
			}
			if err != nil {
				return 0, err
			}

		case opLocalGet, opLocalSet, opLocalTee:
			idx, n, err := decodeLEB128(body[pc:])
			if err != nil || int(idx) >= len(locals) {
				return 0, errTrap
			}
			pc += n
			switch op {
			case opLocalGet:
				if err := push(locals[idx]); err != nil {
					return 0, err
				}
			case opLocalSet:
				v, err := pop()
				if err != nil {
					return 0, err
				}
				locals[idx] = v
			case opLocalTee:
				if len(stack) == 0 {
					return 0, errTrap
				}
				locals[idx] = stack[len(stack)-1]
			}

		case opI32Load, opI32Load8U:
			pc, err = skipMemArg(body, pc)
			if err != nil {
				return 0, err
			}
			if err := e.burn(memOpInk); err != nil {
				return 0, err
			}
			addr, err := pop()
			if err != nil {
				return 0, err
			}
			if op == opI32Load {
				if int(addr)+4 > len(e.memory) {
					return 0, errTrap
				}
				err = push(binary.LittleEndian.Uint32(e.memory[addr:]))
			} else {
				if int(addr) >= len(e.memory) {
					return 0, errTrap
				}
				err = push(uint32(e.memory[addr]))
			}
			if err != nil {
				return 0, err
			}
		case opI32Store, opI32Store8:
			pc, err = skipMemArg(body, pc)
			if err != nil {
				return 0, err
			}
			if err := e.burn(memOpInk); err != nil {
				return 0, err
			}
			val, err1 := pop()
			addr, err2 := pop()
			if err1 != nil || err2 != nil {
				return 0, errTrap
			}
			if op == opI32Store {
				if int(addr)+4 > len(e.memory) {
					return 0, errTrap
				}
				binary.LittleEndian.PutUint32(e.memory[addr:], val)
			} else {
				if int(addr) >= len(e.memory) {
					return 0, errTrap
				}
				e.memory[addr] = byte(val)
			}

		case opMemorySize:
			pc++ // reserved zero byte
			if err := push(uint32(len(e.memory) / wasmPageSize)); err != nil {
				return 0, err
			}
		case opMemoryGrow:
			pc++
			pages, err := pop()
			if err != nil {
				return 0, err
			}
			if err := e.growMemory(pages); err != nil {
				if err := push(0xFFFFFFFF); err != nil {
					return 0, err
				}
				continue
			}
			if err := push(uint32(len(e.memory)/wasmPageSize) - pages); err != nil {
				return 0, err
			}

		case opI32Const:
			v, n, err := decodeSLEB128(body[pc:])
			if err != nil {
				return 0, errTrap
			}
			pc += n
			if err := push(uint32(v)); err != nil {
				return 0, err
			}

		case opI32Eqz:
			v, err := pop()
			if err != nil {
				return 0, err
			}
			if err := push(boolU32(v == 0)); err != nil {
				return 0, err
			}
		case opI32Eq, opI32Ne, opI32LtU, opI32GtU, opI32LeU, opI32GeU,
			opI32Add, opI32Sub, opI32Mul, opI32DivU, opI32RemU,
			opI32And, opI32Or, opI32Xor, opI32Shl, opI32ShrU:
			b, err1 := pop()
			a, err2 := pop()
			if err1 != nil || err2 != nil {
				return 0, errTrap
			}
			var r uint32
			switch op {
			case opI32Eq:
				r = boolU32(a == b)
			case opI32Ne:
				r = boolU32(a != b)
			case opI32LtU:
				r = boolU32(a < b)
			case opI32GtU:
				r = boolU32(a > b)
			case opI32LeU:
				r = boolU32(a <= b)
			case opI32GeU:
				r = boolU32(a >= b)
			case opI32Add:
				r = a + b
			case opI32Sub:
				r = a - b
			case opI32Mul:
				r = a * b
			case opI32DivU:
				if b == 0 {
					return 0, errTrap
				}
				r = a / b
			case opI32RemU:
				if b == 0 {
					return 0, errTrap
				}
				r = a % b
			case opI32And:
				r = a & b
			case opI32Or:
				r = a | b
			case opI32Xor:
				r = a ^ b
			case opI32Shl:
				r = a << (b & 31)
			case opI32ShrU:
				r = a >> (b & 31)
			}
			if err := push(r); err != nil {
				return 0, err
			}

		default:
			return 0, fmt.Errorf("%w: unsupported opcode 0x%02x", errTrap, op)
		}
	}
	return 0, errTrap
}

func skipMemArg(body []byte, pc int) (int, error) {
	_, n, err := decodeLEB128(body[pc:]) // alignment
	if err != nil {
		return 0, errTrap
	}
	pc += n
	_, n, err = decodeLEB128(body[pc:]) // offset
	if err != nil {
		return 0, errTrap
	}
	return pc + n, nil
}

// growMemory extends linear memory, charging for the new pages through an
// AddPages request.
func (e *engine) growMemory(pages uint32) error {
	if pages == 0 {
		return nil
	}
	total := uint64(len(e.memory)/wasmPageSize) + uint64(pages)
	if total > uint64(e.params.PageLimit) {
		return errTrap
	}
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(pages))
	if _, _, cost, err := e.handler(KindAddPages, payload); err != nil {
		return errTrap
	} else if err := e.burnGas(cost); err != nil {
		return err
	}
	e.memory = append(e.memory, make([]byte, int(pages)*wasmPageSize)...)
	return nil
}

// parseLocals decodes a function body's local declarations, returning the
// local slots (index 0 is the argument) and the offset of the first
// instruction.
func parseLocals(body []byte) ([]uint32, int, error) {
	groups, n, err := decodeLEB128(body)
	if err != nil {
		return nil, 0, err
	}
	offset := n
	total := uint32(1) // the argument
	for i := uint32(0); i < groups; i++ {
		count, n2, err := decodeLEB128(body[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n2
		if offset >= len(body) {
			return nil, 0, errTrap
		}
		offset++ // value type
		total += count
		if total > 1<<16 {
			return nil, 0, errTrap
		}
	}
	return make([]uint32, total), offset, nil
}

// skipToEnd scans from just after a block opcode's type byte to the
// instruction following the matching end, reporting whether an else was
// seen at this nesting level.
func skipToEnd(body []byte, pc int) (int, bool, error) {
	depth := 0
	hasElse := false
	for pc < len(body) {
		op := body[pc]
		pc++
		switch op {
		case opBlock, opLoop, opIf:
			pc++ // block type
			depth++
		case opElse:
			if depth == 0 {
				hasElse = true
			}
		case opEnd:
			if depth == 0 {
				return pc, hasElse, nil
			}
			depth--
		case opBr, opBrIf, opCall, opLocalGet, opLocalSet, opLocalTee:
			_, n, err := decodeLEB128(body[pc:])
			if err != nil {
				return 0, false, errTrap
			}
			pc += n
		case opI32Const:
			_, n, err := decodeSLEB128(body[pc:])
			if err != nil {
				return 0, false, errTrap
			}
			pc += n
		case opI32Load, opI32Load8U, opI32Store, opI32Store8:
			var err error
			pc, err = skipMemArg(body, pc)
			if err != nil {
				return 0, false, errTrap
			}
		case opMemorySize, opMemoryGrow:
			pc++
		}
	}
	return 0, false, errTrap
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
