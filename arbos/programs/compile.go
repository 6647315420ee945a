package programs

// compile.go turns on-chain bytecode into runnable modules. Program code
// is stored as a three byte discriminant, a dictionary byte, and a brotli
// stream holding the WASM module.

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/iosiro/arbos-go/arbos/storage"
	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/crypto"
)

// stylusDiscriminant prefixes all program bytecode. The EOF-reserved 0xEF
// first byte guarantees no native contract can collide with it.
var stylusDiscriminant = []byte{0xEF, 0xF0, 0x00}

const stylusHeaderSize = 4 // discriminant + dictionary byte

// Compression dictionary identifiers.
const (
	dictionaryNone    byte = 0
	dictionaryProgram byte = 1
)

var (
	ErrNotStylusProgram     = errors.New("bytecode is not a program")
	ErrUnsupportedDict      = errors.New("unsupported compression dictionary")
	ErrDecompressedTooLarge = errors.New("decompressed module exceeds size limit")
)

// IsStylusProgram reports whether bytecode carries the program discriminant.
func IsStylusProgram(code []byte) bool {
	return len(code) >= stylusHeaderSize && bytes.HasPrefix(code, stylusDiscriminant)
}

// StripStylusHeader returns the compressed payload and its dictionary byte.
func StripStylusHeader(code []byte) (payload []byte, dict byte, err error) {
	if !IsStylusProgram(code) {
		return nil, 0, ErrNotStylusProgram
	}
	return code[stylusHeaderSize:], code[3], nil
}

// DecompressWasm recovers the WASM module from program bytecode. Payloads
// marked with the no-dictionary byte that fail to decompress are treated
// as uncompressed WASM, which keeps hand-assembled test programs usable.
// The program dictionary has no decoder here and is rejected outright.
func DecompressWasm(code []byte, maxSize uint32) ([]byte, error) {
	payload, dict, err := StripStylusHeader(code)
	if err != nil {
		return nil, err
	}
	switch dict {
	case dictionaryNone:
		wasm, err := decompressBrotli(payload, maxSize)
		if err != nil {
			if errors.Is(err, ErrDecompressedTooLarge) {
				return nil, err
			}
			if uint32(len(payload)) > maxSize {
				return nil, ErrDecompressedTooLarge
			}
			return payload, nil
		}
		return wasm, nil
	case dictionaryProgram:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDict, dict)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDict, dict)
	}
}

func decompressBrotli(payload []byte, maxSize uint32) ([]byte, error) {
	reader := brotli.NewReader(bytes.NewReader(payload))
	// Read one byte past the limit so oversized output is distinguishable
	// from an exact fit.
	out, err := io.ReadAll(io.LimitReader(reader, int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if uint32(len(out)) > maxSize {
		return nil, ErrDecompressedTooLarge
	}
	return out, nil
}

// CompressWasm wraps a WASM module in program bytecode. Production tooling
// does this off-chain; the chain only ever decompresses.
func CompressWasm(wasm []byte) []byte {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	w.Write(wasm)
	w.Close()
	out := make([]byte, 0, stylusHeaderSize+buf.Len())
	out = append(out, stylusDiscriminant...)
	out = append(out, dictionaryNone)
	return append(out, buf.Bytes()...)
}

// ActivationInfo is everything activation learns about a module.
type ActivationInfo struct {
	ModuleHash     types.Hash
	Version        uint16
	InitCost       uint16
	CachedInitCost uint16
	Footprint      uint16
	AsmEstimate    uint32 // bytes of compiled artifact, estimated
}

var (
	ErrFootprintTooLarge = errors.New("memory footprint exceeds page limit")
	ErrActivationGas     = errors.New("insufficient gas to activate program")
)

// activationGasPerKb is charged per kilobyte of decompressed module during
// activation, on top of the base cost.
const (
	activationBaseGas  = 1_659_168
	activationGasPerKb = 11_659
)

// ActivateWasm validates and instruments a module, deriving the metadata
// later runs depend on. Costs are a pure function of the module bytes so
// every node prices a program identically.
func ActivateWasm(wasm []byte, version uint16, params *StylusParams, burner storage.Burner) (*ActivationInfo, error) {
	kb := (uint64(len(wasm)) + 1023) / 1024
	if err := burner.Burn(activationBaseGas + activationGasPerKb*kb); err != nil {
		return nil, err
	}
	mod, err := parseModule(wasm, params.MaxWasmSize)
	if err != nil {
		return nil, err
	}
	if uint32(mod.memPages) > uint32(params.PageLimit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFootprintTooLarge, mod.memPages, params.PageLimit)
	}

	initCost, cachedCost := mod.initCosts()

	// Estimate of the compiled artifact size used for data pricing.
	asmEstimate := uint64(len(wasm))*3 + 4096
	if asmEstimate > 0xFFFFFFFF {
		asmEstimate = 0xFFFFFFFF
	}

	return &ActivationInfo{
		ModuleHash:     crypto.Keccak256Hash(wasm),
		Version:        version,
		InitCost:       initCost,
		CachedInitCost: cachedCost,
		Footprint:      mod.memPages,
		AsmEstimate:    uint32(asmEstimate),
	}, nil
}

// initCosts derives the per-run entry costs from the module's shape.
// Costs scale with module complexity; the cached variant skips module
// revalidation, so only call-graph setup remains.
func (m *module) initCosts() (initCost, cachedCost uint16) {
	var codeBytes uint64
	for _, body := range m.funcBodies {
		codeBytes += uint64(len(body))
	}
	initCost = clampU16(64 + codeBytes/16 + uint64(len(m.imports))*4)
	cachedCost = clampU16(11 + codeBytes/64)
	return initCost, cachedCost
}

func clampU16(v uint64) uint16 {
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}
