package programs

// router.go services the host requests a running program issues: state
// reads and writes, nested calls and creates, logs, and memory charging.
// Each request carries everything the router needs in a flat big-endian
// payload, and the reply is (result, raw buffer, gas cost).

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/core/vm"
	"github.com/iosiro/arbos-go/metrics"
)

// RequestKind identifies a host request.
type RequestKind uint8

const (
	KindGetBytes32 RequestKind = iota
	KindSetTrieSlots
	KindGetTransientBytes32
	KindSetTransientBytes32
	KindContractCall
	KindDelegateCall
	KindStaticCall
	KindCreate1
	KindCreate2
	KindEmitLog
	KindAccountBalance
	KindAccountCode
	KindAccountCodeHash
	KindAddPages
)

func (k RequestKind) String() string {
	switch k {
	case KindGetBytes32:
		return "GetBytes32"
	case KindSetTrieSlots:
		return "SetTrieSlots"
	case KindGetTransientBytes32:
		return "GetTransientBytes32"
	case KindSetTransientBytes32:
		return "SetTransientBytes32"
	case KindContractCall:
		return "ContractCall"
	case KindDelegateCall:
		return "DelegateCall"
	case KindStaticCall:
		return "StaticCall"
	case KindCreate1:
		return "Create1"
	case KindCreate2:
		return "Create2"
	case KindEmitLog:
		return "EmitLog"
	case KindAccountBalance:
		return "AccountBalance"
	case KindAccountCode:
		return "AccountCode"
	case KindAccountCodeHash:
		return "AccountCodeHash"
	case KindAddPages:
		return "AddPages"
	}
	return fmt.Sprintf("RequestKind(%d)", uint8(k))
}

// Status bytes returned for call and create requests.
const (
	apiSuccess         byte = 0
	apiFailure         byte = 1
	apiOutOfGas        byte = 2
	apiWriteProtection byte = 3
)

var (
	ErrUnknownRequest   = errors.New("unknown host request kind")
	ErrMalformedRequest = errors.New("malformed host request payload")
)

// pageTracker counts the memory pages a transaction has opened, shared by
// every program frame so the exponential surcharge reflects the whole tx.
type pageTracker struct {
	Open uint16
	Ever uint16
}

// requestRouter handles host requests for one program frame.
type requestRouter struct {
	evm       *vm.EVM
	actor     types.Address // address whose storage the program owns
	msgSender types.Address
	msgValue  *uint256.Int
	readOnly  bool
	memModel  *MemoryModel
	pages     *pageTracker
}

func newRequestRouter(evm *vm.EVM, contract *vm.Contract, readOnly bool, memModel *MemoryModel, pages *pageTracker) *requestRouter {
	return &requestRouter{
		evm:       evm,
		actor:     contract.Address,
		msgSender: contract.CallerAddress,
		msgValue:  contract.Value,
		readOnly:  readOnly,
		memModel:  memModel,
		pages:     pages,
	}
}

// Handle services one request. A non-nil error is a protocol violation or
// an illegal operation for the current context, and traps the program.
func (r *requestRouter) Handle(kind RequestKind, payload []byte) ([]byte, []byte, uint64, error) {
	metrics.HostRequests.Inc()
	switch kind {
	case KindGetBytes32:
		return r.getBytes32(payload)
	case KindSetTrieSlots:
		return r.setTrieSlots(payload)
	case KindGetTransientBytes32:
		return r.getTransient(payload)
	case KindSetTransientBytes32:
		return r.setTransient(payload)
	case KindContractCall, KindDelegateCall, KindStaticCall:
		metrics.NestedCalls.Inc()
		return r.doCall(kind, payload)
	case KindCreate1, KindCreate2:
		metrics.NestedCalls.Inc()
		return r.doCreate(kind, payload)
	case KindEmitLog:
		return r.emitLog(payload)
	case KindAccountBalance:
		return r.accountBalance(payload)
	case KindAccountCode:
		return r.accountCode(payload)
	case KindAccountCodeHash:
		return r.accountCodeHash(payload)
	case KindAddPages:
		return r.addPages(payload)
	}
	return nil, nil, 0, fmt.Errorf("%w: %d", ErrUnknownRequest, kind)
}

func (r *requestRouter) getBytes32(payload []byte) ([]byte, []byte, uint64, error) {
	if len(payload) != 32 {
		return nil, nil, 0, fmt.Errorf("%w: GetBytes32 wants 32 bytes, got %d", ErrMalformedRequest, len(payload))
	}
	key := types.Hash(payload)
	cost := r.evm.SlotAccessGas(r.actor, key)
	value := r.evm.StateDB.GetState(r.actor, key)
	return value[:], nil, cost, nil
}

// setTrieSlots commits a batch of storage writes:
// [gas left u64] ([key 32][value 32])*
func (r *requestRouter) setTrieSlots(payload []byte) ([]byte, []byte, uint64, error) {
	if r.readOnly {
		return nil, nil, 0, vm.ErrWriteProtection
	}
	if len(payload) < 8 || (len(payload)-8)%64 != 0 {
		return nil, nil, 0, fmt.Errorf("%w: bad SetTrieSlots length %d", ErrMalformedRequest, len(payload))
	}
	gasLeft := binary.BigEndian.Uint64(payload)
	db := r.evm.StateDB
	var cost uint64
	for rest := payload[8:]; len(rest) > 0; rest = rest[64:] {
		key := types.Hash(rest[:32])
		value := types.Hash(rest[32:64])

		cold := r.evm.SlotIsCold(r.actor, key)
		original := db.GetCommittedState(r.actor, key)
		current := db.GetState(r.actor, key)
		gas, refund := vm.SstoreGas([32]byte(original), [32]byte(current), [32]byte(value), cold)
		cost += gas
		if cost > gasLeft {
			return nil, nil, cost, vm.ErrOutOfGas
		}
		if refund > 0 {
			db.AddRefund(uint64(refund))
		} else if refund < 0 {
			db.SubRefund(uint64(-refund))
		}
		db.SetState(r.actor, key, value)
	}
	return nil, nil, cost, nil
}

func (r *requestRouter) getTransient(payload []byte) ([]byte, []byte, uint64, error) {
	if len(payload) != 32 {
		return nil, nil, 0, fmt.Errorf("%w: GetTransientBytes32 wants 32 bytes", ErrMalformedRequest)
	}
	value := r.evm.StateDB.GetTransientState(r.actor, types.Hash(payload))
	return value[:], nil, vm.GasTload, nil
}

func (r *requestRouter) setTransient(payload []byte) ([]byte, []byte, uint64, error) {
	if r.readOnly {
		return nil, nil, 0, vm.ErrWriteProtection
	}
	if len(payload) != 64 {
		return nil, nil, 0, fmt.Errorf("%w: SetTransientBytes32 wants 64 bytes", ErrMalformedRequest)
	}
	r.evm.StateDB.SetTransientState(r.actor, types.Hash(payload[:32]), types.Hash(payload[32:]))
	return nil, nil, vm.GasTstore, nil
}

// doCall decodes and executes a nested call:
// [addr 20][value 32][gas left u64][gas requested u64][calldata]
// where delegate and static calls omit the value word.
func (r *requestRouter) doCall(kind RequestKind, payload []byte) ([]byte, []byte, uint64, error) {
	hasValue := kind == KindContractCall
	minLen := 20 + 16
	if hasValue {
		minLen += 32
	}
	if len(payload) < minLen {
		return nil, nil, 0, fmt.Errorf("%w: short %s payload", ErrMalformedRequest, kind)
	}
	addr := types.Address(payload[:20])
	payload = payload[20:]
	value := uint256.NewInt(0)
	if hasValue {
		value.SetBytes32(payload[:32])
		payload = payload[32:]
	}
	gasLeft := binary.BigEndian.Uint64(payload)
	gasReq := binary.BigEndian.Uint64(payload[8:])
	calldata := payload[16:]

	transfersValue := hasValue && !value.IsZero()
	if transfersValue && r.readOnly {
		return []byte{apiWriteProtection}, nil, 0, nil
	}

	baseCost := r.evm.AccountAccessGas(addr)
	if transfersValue {
		baseCost += vm.GasCallValue
	}
	if baseCost > gasLeft {
		return []byte{apiOutOfGas}, nil, gasLeft, nil
	}
	childGas, deducted := vm.ForwardGas(gasLeft-baseCost, gasReq, transfersValue)

	var ret []byte
	var leftover uint64
	var err error
	switch kind {
	case KindContractCall:
		ret, leftover, err = r.evm.Call(r.actor, addr, calldata, childGas, value)
	case KindDelegateCall:
		ret, leftover, err = r.evm.DelegateCall(r.msgSender, r.actor, addr, calldata, childGas, r.msgValue)
	case KindStaticCall:
		ret, leftover, err = r.evm.StaticCall(r.actor, addr, calldata, childGas)
	}
	// The stipend is free to the caller, so leftovers beyond the deduction
	// cost nothing.
	used := uint64(0)
	if leftover < deducted {
		used = deducted - leftover
	}
	cost := baseCost + used
	return []byte{callStatus(err)}, ret, cost, nil
}

func callStatus(err error) byte {
	switch {
	case err == nil:
		return apiSuccess
	case errors.Is(err, vm.ErrExecutionReverted):
		return apiFailure
	case errors.Is(err, vm.ErrOutOfGas):
		return apiOutOfGas
	case errors.Is(err, vm.ErrWriteProtection):
		return apiWriteProtection
	default:
		return apiFailure
	}
}

// doCreate decodes and executes a contract creation:
// [endowment 32]([salt 32])[gas u64][init code]
// The result is a status byte followed by the deployed address.
func (r *requestRouter) doCreate(kind RequestKind, payload []byte) ([]byte, []byte, uint64, error) {
	if r.readOnly {
		return nil, nil, 0, vm.ErrWriteProtection
	}
	minLen := 40
	if kind == KindCreate2 {
		minLen += 32
	}
	if len(payload) < minLen {
		return nil, nil, 0, fmt.Errorf("%w: short %s payload", ErrMalformedRequest, kind)
	}
	endow := new(uint256.Int).SetBytes32(payload[:32])
	payload = payload[32:]
	var salt types.Hash
	if kind == KindCreate2 {
		salt = types.Hash(payload[:32])
		payload = payload[32:]
	}
	gasLeft := binary.BigEndian.Uint64(payload)
	code := payload[8:]

	// create2 pays to hash the init code up front. Everything else (base
	// creation cost, init-code word gas, the 63/64 rule) is priced inside
	// the EVM's create path, so the full remainder is handed over.
	hashCost := uint64(0)
	if kind == KindCreate2 {
		hashCost = vm.CopyGas(uint64(len(code))) * 2
	}
	if hashCost > gasLeft {
		return createResult(apiOutOfGas, types.Address{}), nil, gasLeft, nil
	}
	childGas := gasLeft - hashCost

	var ret []byte
	var addr types.Address
	var leftover uint64
	var err error
	if kind == KindCreate2 {
		ret, addr, leftover, err = r.evm.Create2(r.actor, code, childGas, endow, salt)
	} else {
		ret, addr, leftover, err = r.evm.Create(r.actor, code, childGas, endow)
	}
	cost := hashCost + (childGas - leftover)
	status := callStatus(err)
	if err != nil {
		addr = types.Address{}
		if !errors.Is(err, vm.ErrExecutionReverted) {
			ret = nil
		}
	}
	return createResult(status, addr), ret, cost, nil
}

func createResult(status byte, addr types.Address) []byte {
	out := make([]byte, 21)
	out[0] = status
	copy(out[1:], addr[:])
	return out
}

// emitLog records a log for the program's address:
// [topic count u32][topics 32*n][data]
func (r *requestRouter) emitLog(payload []byte) ([]byte, []byte, uint64, error) {
	if r.readOnly {
		return nil, nil, 0, vm.ErrWriteProtection
	}
	if len(payload) < 4 {
		return nil, nil, 0, fmt.Errorf("%w: short EmitLog payload", ErrMalformedRequest)
	}
	count := binary.BigEndian.Uint32(payload)
	payload = payload[4:]
	if count > 4 || uint64(count)*32 > uint64(len(payload)) {
		return nil, nil, 0, fmt.Errorf("%w: bad EmitLog topic count %d", ErrMalformedRequest, count)
	}
	topics := make([]types.Hash, count)
	for i := range topics {
		topics[i] = types.Hash(payload[i*32 : (i+1)*32])
	}
	data := append([]byte(nil), payload[count*32:]...)
	r.evm.StateDB.AddLog(&types.Log{
		Address: r.actor,
		Topics:  topics,
		Data:    data,
	})
	return nil, nil, vm.LogGas(uint64(count), uint64(len(data))), nil
}

func (r *requestRouter) accountBalance(payload []byte) ([]byte, []byte, uint64, error) {
	addr, err := decodeAddress(payload)
	if err != nil {
		return nil, nil, 0, err
	}
	cost := r.evm.AccountAccessGas(addr)
	balance := r.evm.StateDB.GetBalance(addr).Bytes32()
	return balance[:], nil, cost, nil
}

func (r *requestRouter) accountCode(payload []byte) ([]byte, []byte, uint64, error) {
	addr, err := decodeAddress(payload)
	if err != nil {
		return nil, nil, 0, err
	}
	// Returning the code body costs the warm/cold account touch plus the
	// worst-case code read. Hash queries skip the read surcharge since the
	// hash lives in the account record.
	cost := r.evm.AccountAccessGas(addr) + vm.CodeReadGas()
	return nil, r.evm.StateDB.GetCode(addr), cost, nil
}

func (r *requestRouter) accountCodeHash(payload []byte) ([]byte, []byte, uint64, error) {
	addr, err := decodeAddress(payload)
	if err != nil {
		return nil, nil, 0, err
	}
	cost := r.evm.AccountAccessGas(addr)
	hash := r.evm.StateDB.GetCodeHash(addr)
	return hash[:], nil, cost, nil
}

// addPages prices newly opened memory pages: [count u16]
func (r *requestRouter) addPages(payload []byte) ([]byte, []byte, uint64, error) {
	if len(payload) != 2 {
		return nil, nil, 0, fmt.Errorf("%w: AddPages wants 2 bytes", ErrMalformedRequest)
	}
	count := binary.BigEndian.Uint16(payload)
	cost := r.memModel.GasCost(count, r.pages.Open, r.pages.Ever)
	r.pages.Open = saturatingAdd16(r.pages.Open, count)
	if r.pages.Open > r.pages.Ever {
		r.pages.Ever = r.pages.Open
	}
	return nil, nil, cost, nil
}

func decodeAddress(payload []byte) (types.Address, error) {
	if len(payload) != 20 {
		return types.Address{}, fmt.Errorf("%w: want a 20 byte address", ErrMalformedRequest)
	}
	return types.Address(payload), nil
}
