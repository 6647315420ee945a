package programs

// params.go stores the chain-wide execution parameters for programs in a
// single storage slot. Fields are packed big-endian at fixed offsets so a
// parameter read costs one storage access.

import (
	"encoding/binary"
	"errors"

	"github.com/iosiro/arbos-go/arbos/storage"
	"github.com/iosiro/arbos-go/core/types"
)

var ErrParamsNotInitialized = errors.New("programs: params not initialized")

// StylusParams are the chain-wide parameters governing program activation
// and execution. PageRamp is a runtime value derived at boot rather than
// stored.
type StylusParams struct {
	Version          uint16 // the active program format version
	InkPrice         uint32 // ink per gas
	MaxStackDepth    uint32
	FreePages        uint16
	PageGas          uint16
	PageRamp         uint64
	PageLimit        uint16
	MinInitGas       uint8 // in MinInitGasUnits
	MinCachedInitGas uint8 // in MinCachedGasUnits
	InitCostScalar   uint8 // in CostScalarPercent
	CachedCostScalar uint8 // in CostScalarPercent
	ExpiryDays       uint16
	KeepaliveDays    uint16
	BlockCacheSize   uint16
	MaxWasmSize      uint32

	backing storage.StorageBackedHash
	formatVersion uint64
}

// packed slot offsets
const (
	paramOffsetVersion        = 0
	paramOffsetInkPrice       = 2
	paramOffsetStackDepth     = 6
	paramOffsetFreePages      = 10
	paramOffsetPageGas        = 12
	paramOffsetPageLimit      = 14
	paramOffsetMinInitGas     = 16
	paramOffsetMinCachedGas   = 17
	paramOffsetInitScalar     = 18
	paramOffsetCachedScalar   = 19
	paramOffsetExpiryDays     = 20
	paramOffsetKeepaliveDays  = 22
	paramOffsetBlockCacheSize = 24
	paramOffsetMaxWasmSize    = 26
)

// initStylusParams writes the initial parameter block. Called at genesis.
func initStylusParams(sto *storage.Storage, formatVersion uint64) error {
	params := &StylusParams{
		Version:          initialVersion,
		InkPrice:         initialInkPrice,
		MaxStackDepth:    initialStackDepth,
		FreePages:        initialFreePages,
		PageGas:          initialPageGas,
		PageRamp:         initialPageRamp,
		PageLimit:        initialPageLimit,
		MinInitGas:       initialMinInitGas,
		MinCachedInitGas: initialMinCachedGas,
		InitCostScalar:   initialInitCostScalar,
		CachedCostScalar: initialCachedCostScalar,
		ExpiryDays:       initialExpiryDays,
		KeepaliveDays:    initialKeepaliveDays,
		BlockCacheSize:   initialRecentCacheSize,
		MaxWasmSize:      initialMaxWasmSize,
		backing:          sto.OpenStorageBackedHash(0),
		formatVersion:    formatVersion,
	}
	return params.Save()
}

// openStylusParams reads the parameter block from the given slot.
func openStylusParams(sto *storage.Storage, formatVersion uint64) (*StylusParams, error) {
	slot := sto.OpenStorageBackedHash(0)
	word, err := slot.Get()
	if err != nil {
		return nil, err
	}
	params := &StylusParams{
		Version:          binary.BigEndian.Uint16(word[paramOffsetVersion:]),
		InkPrice:         binary.BigEndian.Uint32(word[paramOffsetInkPrice:]),
		MaxStackDepth:    binary.BigEndian.Uint32(word[paramOffsetStackDepth:]),
		FreePages:        binary.BigEndian.Uint16(word[paramOffsetFreePages:]),
		PageGas:          binary.BigEndian.Uint16(word[paramOffsetPageGas:]),
		PageRamp:         initialPageRamp,
		PageLimit:        binary.BigEndian.Uint16(word[paramOffsetPageLimit:]),
		MinInitGas:       word[paramOffsetMinInitGas],
		MinCachedInitGas: word[paramOffsetMinCachedGas],
		InitCostScalar:   word[paramOffsetInitScalar],
		CachedCostScalar: word[paramOffsetCachedScalar],
		ExpiryDays:       binary.BigEndian.Uint16(word[paramOffsetExpiryDays:]),
		KeepaliveDays:    binary.BigEndian.Uint16(word[paramOffsetKeepaliveDays:]),
		BlockCacheSize:   binary.BigEndian.Uint16(word[paramOffsetBlockCacheSize:]),
		MaxWasmSize:      initialMaxWasmSize,
		backing:          slot,
		formatVersion:    formatVersion,
	}
	if params.Version == 0 {
		return nil, ErrParamsNotInitialized
	}
	if formatVersion >= maxWasmSizeVersion {
		params.MaxWasmSize = binary.BigEndian.Uint32(word[paramOffsetMaxWasmSize:])
	}
	return params, nil
}

// Save writes the parameter block back to its slot.
func (p *StylusParams) Save() error {
	var word types.Hash
	binary.BigEndian.PutUint16(word[paramOffsetVersion:], p.Version)
	binary.BigEndian.PutUint32(word[paramOffsetInkPrice:], p.InkPrice)
	binary.BigEndian.PutUint32(word[paramOffsetStackDepth:], p.MaxStackDepth)
	binary.BigEndian.PutUint16(word[paramOffsetFreePages:], p.FreePages)
	binary.BigEndian.PutUint16(word[paramOffsetPageGas:], p.PageGas)
	binary.BigEndian.PutUint16(word[paramOffsetPageLimit:], p.PageLimit)
	word[paramOffsetMinInitGas] = p.MinInitGas
	word[paramOffsetMinCachedGas] = p.MinCachedInitGas
	word[paramOffsetInitScalar] = p.InitCostScalar
	word[paramOffsetCachedScalar] = p.CachedCostScalar
	binary.BigEndian.PutUint16(word[paramOffsetExpiryDays:], p.ExpiryDays)
	binary.BigEndian.PutUint16(word[paramOffsetKeepaliveDays:], p.KeepaliveDays)
	binary.BigEndian.PutUint16(word[paramOffsetBlockCacheSize:], p.BlockCacheSize)
	if p.formatVersion >= maxWasmSizeVersion {
		binary.BigEndian.PutUint32(word[paramOffsetMaxWasmSize:], p.MaxWasmSize)
	}
	return p.backing.Set(word)
}

// GasToInk converts a gas amount to ink at the current ink price.
func (p *StylusParams) GasToInk(gas uint64) uint64 {
	ink := gas * uint64(p.InkPrice)
	if p.InkPrice != 0 && ink/uint64(p.InkPrice) != gas {
		return ^uint64(0)
	}
	return ink
}

// InkToGas converts leftover ink back to gas, rounding down.
func (p *StylusParams) InkToGas(ink uint64) uint64 {
	if p.InkPrice == 0 {
		return ink
	}
	return ink / uint64(p.InkPrice)
}

// memoryModel returns the page pricing model under these parameters.
func (p *StylusParams) memoryModel() *MemoryModel {
	return NewMemoryModel(p.FreePages, p.PageGas)
}
