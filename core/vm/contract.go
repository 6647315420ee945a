package vm

import (
	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/core/types"
)

// Contract represents a single execution context: the code being run, the
// address whose storage it operates on, and its gas allowance.
type Contract struct {
	CallerAddress types.Address
	Address       types.Address // storage/self address
	CodeAddress   types.Address // address the code was loaded from
	Code          []byte
	CodeHash      types.Hash
	Input         []byte
	Gas           uint64
	Value         *uint256.Int
	jumpdests     map[uint64]bool // cached JUMPDEST analysis
}

// NewContract creates a new contract for execution.
func NewContract(caller, addr types.Address, value *uint256.Int, gas uint64) *Contract {
	if value == nil {
		value = new(uint256.Int)
	}
	return &Contract{
		CallerAddress: caller,
		Address:       addr,
		CodeAddress:   addr,
		Value:         value,
		Gas:           gas,
	}
}

// GetOp returns the opcode at position n in the contract code.
func (c *Contract) GetOp(n uint64) byte {
	if n < uint64(len(c.Code)) {
		return c.Code[n]
	}
	return 0x00 // STOP
}

// UseGas attempts to consume the given gas. Returns false if insufficient gas.
func (c *Contract) UseGas(gas uint64) bool {
	if c.Gas < gas {
		return false
	}
	c.Gas -= gas
	return true
}

// RefundGas returns unused gas from a finished subcall.
func (c *Contract) RefundGas(gas uint64) {
	c.Gas += gas
}

// SetCallCode sets the code and code hash for a CALL-type execution.
func (c *Contract) SetCallCode(addr *types.Address, hash types.Hash, code []byte) {
	c.Code = code
	c.CodeHash = hash
	if addr != nil {
		c.CodeAddress = *addr
	}
}

// validJumpdest reports whether dest is a JUMPDEST opcode that is not part
// of PUSH immediate data. The analysis is computed once per contract.
func (c *Contract) validJumpdest(dest uint64) bool {
	if dest >= uint64(len(c.Code)) {
		return false
	}
	if c.jumpdests == nil {
		c.jumpdests = analyzeJumpdests(c.Code)
	}
	return c.jumpdests[dest]
}

func analyzeJumpdests(code []byte) map[uint64]bool {
	dests := make(map[uint64]bool)
	for pc := uint64(0); pc < uint64(len(code)); pc++ {
		op := code[pc]
		if op == 0x5b { // JUMPDEST
			dests[pc] = true
		} else if op >= 0x60 && op <= 0x7f { // PUSH1..PUSH32
			pc += uint64(op - 0x5f)
		}
	}
	return dests
}
