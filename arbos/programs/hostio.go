package programs

// hostio.go implements the host functions a program can import from the
// vm_hooks namespace. Cheap context reads are answered from the EvmData
// snapshot; everything that touches state or spawns a frame is packaged
// into a host request and handed to the RequestHandler.

import (
	"encoding/binary"
	"fmt"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/crypto"
)

func popArgs(stack *[]uint32, n int) ([]uint32, error) {
	s := *stack
	if len(s) < n {
		return nil, errTrap
	}
	args := make([]uint32, n)
	copy(args, s[len(s)-n:])
	*stack = s[:len(s)-n]
	return args, nil
}

func (e *engine) pushRet(stack *[]uint32, v uint32) error {
	if uint32(len(*stack)) >= e.params.MaxStackDepth {
		return errStackExceeded
	}
	*stack = append(*stack, v)
	return nil
}

func (e *engine) readMem(ptr, size uint32) ([]byte, error) {
	end := uint64(ptr) + uint64(size)
	if end > uint64(len(e.memory)) {
		return nil, errTrap
	}
	return e.memory[ptr:end], nil
}

func (e *engine) writeMem(ptr uint32, data []byte) error {
	end := uint64(ptr) + uint64(len(data))
	if end > uint64(len(e.memory)) {
		return errTrap
	}
	copy(e.memory[ptr:], data)
	return nil
}

func (e *engine) readHash(ptr uint32) (types.Hash, error) {
	var h types.Hash
	data, err := e.readMem(ptr, 32)
	if err != nil {
		return h, err
	}
	copy(h[:], data)
	return h, nil
}

func (e *engine) readAddress(ptr uint32) (types.Address, error) {
	var a types.Address
	data, err := e.readMem(ptr, 20)
	if err != nil {
		return a, err
	}
	copy(a[:], data)
	return a, nil
}

// request issues a host request, charging its gas cost in ink.
func (e *engine) request(kind RequestKind, payload []byte) ([]byte, []byte, error) {
	result, raw, cost, err := e.handler(kind, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errTrap, err)
	}
	if err := e.burnGas(cost); err != nil {
		return nil, nil, err
	}
	return result, raw, nil
}

// callHost dispatches one imported function. hostioInk covers the call
// overhead; state access costs come back from the handler.
func (e *engine) callHost(imp wasmImport, stack *[]uint32) error {
	if imp.module != hostModule {
		return fmt.Errorf("%w: unknown import module %q", errTrap, imp.module)
	}
	if err := e.burn(hostioInk); err != nil {
		return err
	}
	switch imp.name {
	case "read_args":
		args, err := popArgs(stack, 1)
		if err != nil {
			return err
		}
		return e.writeMem(args[0], e.args)

	case "write_result":
		args, err := popArgs(stack, 2)
		if err != nil {
			return err
		}
		data, err := e.readMem(args[0], args[1])
		if err != nil {
			return err
		}
		e.result = append([]byte(nil), data...)
		return nil

	case "exit_early":
		args, err := popArgs(stack, 1)
		if err != nil {
			return err
		}
		e.exitStatus = args[0]
		return errExitEarly

	case "storage_load_bytes32":
		args, err := popArgs(stack, 2)
		if err != nil {
			return err
		}
		key, err := e.readHash(args[0])
		if err != nil {
			return err
		}
		if idx, ok := e.cacheIdx[key]; ok {
			return e.writeMem(args[1], e.cache[idx].value[:])
		}
		result, _, err := e.request(KindGetBytes32, key[:])
		if err != nil {
			return err
		}
		return e.writeMem(args[1], result)

	case "storage_cache_bytes32":
		args, err := popArgs(stack, 2)
		if err != nil {
			return err
		}
		key, err := e.readHash(args[0])
		if err != nil {
			return err
		}
		value, err := e.readHash(args[1])
		if err != nil {
			return err
		}
		if idx, ok := e.cacheIdx[key]; ok {
			e.cache[idx].value = value
		} else {
			e.cacheIdx[key] = len(e.cache)
			e.cache = append(e.cache, storageWrite{key: key, value: value})
		}
		return nil

	case "storage_flush_cache":
		args, err := popArgs(stack, 1)
		if err != nil {
			return err
		}
		return e.flushStorage(args[0] != 0)

	case "transient_load_bytes32":
		args, err := popArgs(stack, 2)
		if err != nil {
			return err
		}
		key, err := e.readHash(args[0])
		if err != nil {
			return err
		}
		result, _, err := e.request(KindGetTransientBytes32, key[:])
		if err != nil {
			return err
		}
		return e.writeMem(args[1], result)

	case "transient_store_bytes32":
		args, err := popArgs(stack, 2)
		if err != nil {
			return err
		}
		key, err := e.readHash(args[0])
		if err != nil {
			return err
		}
		value, err := e.readHash(args[1])
		if err != nil {
			return err
		}
		payload := make([]byte, 64)
		copy(payload, key[:])
		copy(payload[32:], value[:])
		_, _, err = e.request(KindSetTransientBytes32, payload)
		return err

	case "call_contract":
		return e.hostCall(stack, KindContractCall, true)
	case "delegate_call_contract":
		return e.hostCall(stack, KindDelegateCall, false)
	case "static_call_contract":
		return e.hostCall(stack, KindStaticCall, false)

	case "create1":
		return e.hostCreate(stack, false)
	case "create2":
		return e.hostCreate(stack, true)

	case "return_data_size":
		return e.pushRet(stack, uint32(len(e.rawData)))

	case "read_return_data":
		args, err := popArgs(stack, 3)
		if err != nil {
			return err
		}
		dest, offset, size := args[0], args[1], args[2]
		data := e.rawData
		if uint64(offset) > uint64(len(data)) {
			offset = uint32(len(data))
		}
		data = data[offset:]
		if uint64(size) < uint64(len(data)) {
			data = data[:size]
		}
		if err := e.writeMem(dest, data); err != nil {
			return err
		}
		return e.pushRet(stack, uint32(len(data)))

	case "emit_log":
		args, err := popArgs(stack, 3)
		if err != nil {
			return err
		}
		ptr, length, topics := args[0], args[1], args[2]
		if topics > 4 || uint64(topics)*32 > uint64(length) {
			return errTrap
		}
		data, err := e.readMem(ptr, length)
		if err != nil {
			return err
		}
		payload := make([]byte, 4, 4+len(data))
		binary.BigEndian.PutUint32(payload, topics)
		payload = append(payload, data...)
		_, _, err = e.request(KindEmitLog, payload)
		return err

	case "account_balance":
		args, err := popArgs(stack, 2)
		if err != nil {
			return err
		}
		addr, err := e.readAddress(args[0])
		if err != nil {
			return err
		}
		result, _, err := e.request(KindAccountBalance, addr[:])
		if err != nil {
			return err
		}
		return e.writeMem(args[1], result)

	case "account_code":
		args, err := popArgs(stack, 4)
		if err != nil {
			return err
		}
		addr, err := e.readAddress(args[0])
		if err != nil {
			return err
		}
		_, code, err := e.request(KindAccountCode, addr[:])
		if err != nil {
			return err
		}
		offset, size := args[1], args[2]
		if uint64(offset) > uint64(len(code)) {
			offset = uint32(len(code))
		}
		code = code[offset:]
		if uint64(size) < uint64(len(code)) {
			code = code[:size]
		}
		if err := e.writeMem(args[3], code); err != nil {
			return err
		}
		return e.pushRet(stack, uint32(len(code)))

	case "account_code_size":
		args, err := popArgs(stack, 1)
		if err != nil {
			return err
		}
		addr, err := e.readAddress(args[0])
		if err != nil {
			return err
		}
		_, code, err := e.request(KindAccountCode, addr[:])
		if err != nil {
			return err
		}
		return e.pushRet(stack, uint32(len(code)))

	case "account_codehash":
		args, err := popArgs(stack, 2)
		if err != nil {
			return err
		}
		addr, err := e.readAddress(args[0])
		if err != nil {
			return err
		}
		result, _, err := e.request(KindAccountCodeHash, addr[:])
		if err != nil {
			return err
		}
		return e.writeMem(args[1], result)

	case "native_keccak256":
		args, err := popArgs(stack, 3)
		if err != nil {
			return err
		}
		data, err := e.readMem(args[0], args[1])
		if err != nil {
			return err
		}
		words := (uint64(len(data)) + 31) / 32
		if err := e.burn(words * keccakInkPer32); err != nil {
			return err
		}
		hash := crypto.Keccak256(data)
		return e.writeMem(args[2], hash)

	case "msg_sender":
		return e.hostWrite(stack, e.data.MsgSender[:])
	case "msg_value":
		value := e.data.MsgValue.Bytes32()
		return e.hostWrite(stack, value[:])
	case "msg_reentrant":
		return e.pushRet(stack, e.data.Reentrant)

	case "tx_origin":
		return e.hostWrite(stack, e.data.TxOrigin[:])
	case "tx_gas_price":
		price := e.data.TxGasPrice.Bytes32()
		return e.hostWrite(stack, price[:])
	case "tx_ink_price":
		return e.pushRet(stack, e.params.InkPrice)

	case "block_number":
		return e.pushRet(stack, uint32(e.data.BlockNumber))
	case "block_timestamp":
		return e.pushRet(stack, uint32(e.data.BlockTimestamp))
	case "block_gas_limit":
		return e.pushRet(stack, truncU32(e.data.BlockGasLimit))
	case "block_basefee":
		basefee := e.data.BlockBasefee.Bytes32()
		return e.hostWrite(stack, basefee[:])
	case "block_coinbase":
		return e.hostWrite(stack, e.data.BlockCoinbase[:])
	case "chainid":
		return e.pushRet(stack, uint32(e.data.ChainID))

	case "contract_address":
		return e.hostWrite(stack, e.data.ContractAddress[:])

	case "evm_gas_left":
		return e.pushRet(stack, truncU32(e.gasLeft()))
	case "evm_ink_left":
		return e.pushRet(stack, truncU32(e.ink))

	case "pay_for_memory_grow":
		args, err := popArgs(stack, 1)
		if err != nil {
			return err
		}
		return e.growMemory(args[0])
	}
	return fmt.Errorf("%w: unknown import %q", errTrap, imp.name)
}

// hostWrite pops a destination pointer and copies data there.
func (e *engine) hostWrite(stack *[]uint32, data []byte) error {
	args, err := popArgs(stack, 1)
	if err != nil {
		return err
	}
	return e.writeMem(args[0], data)
}

// hostCall issues a call-type request. The wasm signature is
// (addr, calldata, len[, value], gas, ret_len) -> status.
func (e *engine) hostCall(stack *[]uint32, kind RequestKind, hasValue bool) error {
	// Pending writes must land before a reentrant frame can observe them.
	if err := e.flushStorage(false); err != nil {
		return err
	}
	argc := 5
	if hasValue {
		argc = 6
	}
	args, err := popArgs(stack, argc)
	if err != nil {
		return err
	}
	addr, err := e.readAddress(args[0])
	if err != nil {
		return err
	}
	calldata, err := e.readMem(args[1], args[2])
	if err != nil {
		return err
	}
	value := make([]byte, 32)
	next := 3
	if hasValue {
		v, err := e.readMem(args[3], 32)
		if err != nil {
			return err
		}
		copy(value, v)
		next = 4
	}
	gasReq := uint64(args[next])
	retLenPtr := args[next+1]

	payload := make([]byte, 0, 20+32+16+len(calldata))
	payload = append(payload, addr[:]...)
	payload = append(payload, value...)
	payload = binary.BigEndian.AppendUint64(payload, e.gasLeft())
	payload = binary.BigEndian.AppendUint64(payload, gasReq)
	payload = append(payload, calldata...)

	result, raw, err := e.request(kind, payload)
	if err != nil {
		return err
	}
	if len(result) != 1 {
		return errTrap
	}
	e.rawData = raw
	if err := e.writeMem(retLenPtr, u32le(uint32(len(raw)))); err != nil {
		return err
	}
	return e.pushRet(stack, uint32(result[0]))
}

// hostCreate issues a create-type request. The wasm signature is
// (code, len, endowment[, salt], addr_out, ret_len) -> status.
func (e *engine) hostCreate(stack *[]uint32, hasSalt bool) error {
	if err := e.flushStorage(false); err != nil {
		return err
	}
	argc := 5
	if hasSalt {
		argc = 6
	}
	args, err := popArgs(stack, argc)
	if err != nil {
		return err
	}
	code, err := e.readMem(args[0], args[1])
	if err != nil {
		return err
	}
	endow, err := e.readMem(args[2], 32)
	if err != nil {
		return err
	}
	kind := KindCreate1
	next := 3
	var salt []byte
	if hasSalt {
		kind = KindCreate2
		salt, err = e.readMem(args[3], 32)
		if err != nil {
			return err
		}
		next = 4
	}
	addrOut := args[next]
	retLenPtr := args[next+1]

	payload := make([]byte, 0, 72+len(code))
	payload = append(payload, endow...)
	payload = append(payload, salt...)
	payload = binary.BigEndian.AppendUint64(payload, e.gasLeft())
	payload = append(payload, code...)

	result, raw, err := e.request(kind, payload)
	if err != nil {
		return err
	}
	if len(result) != 21 {
		return errTrap
	}
	e.rawData = raw
	if err := e.writeMem(addrOut, result[1:21]); err != nil {
		return err
	}
	if err := e.writeMem(retLenPtr, u32le(uint32(len(raw)))); err != nil {
		return err
	}
	return e.pushRet(stack, uint32(result[0]))
}

// flushStorage commits pending writes through a single batched request.
// With clear set the cache is dropped without being written.
func (e *engine) flushStorage(clear bool) error {
	if clear {
		e.cache = e.cache[:0]
		e.cacheIdx = make(map[types.Hash]int)
		return nil
	}
	if len(e.cache) == 0 {
		return nil
	}
	payload := make([]byte, 8, 8+64*len(e.cache))
	binary.BigEndian.PutUint64(payload, e.gasLeft())
	for _, w := range e.cache {
		payload = append(payload, w.key[:]...)
		payload = append(payload, w.value[:]...)
	}
	e.cache = e.cache[:0]
	e.cacheIdx = make(map[types.Hash]int)
	_, _, err := e.request(KindSetTrieSlots, payload)
	return err
}

func u32le(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func truncU32(v uint64) uint32 {
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}
