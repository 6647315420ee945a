package programs

// program.go is the program metadata store. Each activated program has a
// 32-byte record keyed by its code hash, plus the canonical hash of its
// activated module in a sibling substorage. Records are versioned: a
// version of zero means "never activated", and a version behind the
// current chain version means "must be re-activated".

import (
	"encoding/binary"
	"errors"

	"github.com/iosiro/arbos-go/arbos/storage"
	"github.com/iosiro/arbos-go/core/types"
)

var (
	ErrProgramNotActivated = errors.New("programs: program not activated")
	ErrProgramNeedsUpgrade = errors.New("programs: program needs to be re-activated")
	ErrProgramExpired      = errors.New("programs: program expired")
	ErrProgramUpToDate     = errors.New("programs: program is already up to date")
	ErrProgramKeepaliveTooSoon = errors.New("programs: keepalive not yet due")
	ErrNotCacheManager         = errors.New("programs: caller is not a cache manager")
)

// substorage ids under the programs space
var (
	paramsKey        = []byte{0}
	programDataKey   = []byte{1}
	moduleHashesKey  = []byte{2}
	dataPricerKey    = []byte{3}
	cacheManagersKey = []byte{4}
	chainOwnersKey   = []byte{5}
)

// Programs is the on-chain program registry.
type Programs struct {
	backingStorage *storage.Storage
	programs       *storage.Storage
	moduleHashes   *storage.Storage
	dataPricer     *DataPricer
	cacheManagers  *storage.AddressSet
	chainOwners    *storage.AddressSet
	formatVersion  uint64
}

// Initialize writes the genesis state of the program registry.
func Initialize(sto *storage.Storage, formatVersion uint64) error {
	if err := initStylusParams(sto.OpenSubStorage(paramsKey), formatVersion); err != nil {
		return err
	}
	return initDataPricer(sto.OpenSubStorage(dataPricerKey))
}

// Open opens the program registry rooted at sto.
func Open(sto *storage.Storage, formatVersion uint64) *Programs {
	return &Programs{
		backingStorage: sto,
		programs:       sto.OpenSubStorage(programDataKey),
		moduleHashes:   sto.OpenSubStorage(moduleHashesKey),
		dataPricer:     openDataPricer(sto.OpenSubStorage(dataPricerKey)),
		cacheManagers:  storage.OpenAddressSet(sto.OpenSubStorage(cacheManagersKey)),
		chainOwners:    storage.OpenAddressSet(sto.OpenSubStorage(chainOwnersKey)),
		formatVersion:  formatVersion,
	}
}

// Params reads the chain parameters.
func (p Programs) Params() (*StylusParams, error) {
	return openStylusParams(p.backingStorage.OpenSubStorage(paramsKey), p.formatVersion)
}

// DataPricer returns the activation data pricer.
func (p Programs) DataPricer() *DataPricer {
	return p.dataPricer
}

// CacheManagers returns the set of addresses allowed to pin programs into
// the long-term cache.
func (p Programs) CacheManagers() *storage.AddressSet {
	return p.cacheManagers
}

// ChainOwners returns the set of addresses allowed to change chain
// parameters and manage the cache-manager set.
func (p Programs) ChainOwners() *storage.AddressSet {
	return p.chainOwners
}

// CanManageCache reports whether addr may flag programs for caching:
// chain owners always can, as can every registered cache manager.
func (p Programs) CanManageCache(addr types.Address) (bool, error) {
	owner, err := p.chainOwners.IsMember(addr)
	if owner || err != nil {
		return owner, err
	}
	return p.cacheManagers.IsMember(addr)
}

// Program is one registry record.
type Program struct {
	Version       uint16
	InitCost      uint16 // cost units for fresh initialization
	CachedCost    uint16 // cost units when the module is cached
	Footprint     uint16 // memory footprint in pages
	AsmEstimateKb uint32 // rough size of the compiled artifact, in KB
	ActivatedAt   uint32 // hours since chainEpoch
	Cached        bool
}

// record packing offsets (big-endian within one 32-byte slot)
const (
	progOffsetVersion    = 0
	progOffsetInitCost   = 2
	progOffsetCachedCost = 4
	progOffsetFootprint  = 6
	progOffsetAsmSize    = 8  // 3 bytes
	progOffsetActivated  = 11 // 3 bytes
	progOffsetCached     = 14
)

func (p Program) serialize() types.Hash {
	var word types.Hash
	binary.BigEndian.PutUint16(word[progOffsetVersion:], p.Version)
	binary.BigEndian.PutUint16(word[progOffsetInitCost:], p.InitCost)
	binary.BigEndian.PutUint16(word[progOffsetCachedCost:], p.CachedCost)
	binary.BigEndian.PutUint16(word[progOffsetFootprint:], p.Footprint)
	putUint24(word[progOffsetAsmSize:], p.AsmEstimateKb)
	putUint24(word[progOffsetActivated:], p.ActivatedAt)
	if p.Cached {
		word[progOffsetCached] = 1
	}
	return word
}

func deserializeProgram(word types.Hash) Program {
	return Program{
		Version:       binary.BigEndian.Uint16(word[progOffsetVersion:]),
		InitCost:      binary.BigEndian.Uint16(word[progOffsetInitCost:]),
		CachedCost:    binary.BigEndian.Uint16(word[progOffsetCachedCost:]),
		Footprint:     binary.BigEndian.Uint16(word[progOffsetFootprint:]),
		AsmEstimateKb: getUint24(word[progOffsetAsmSize:]),
		ActivatedAt:   getUint24(word[progOffsetActivated:]),
		Cached:        word[progOffsetCached] != 0,
	}
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// getProgram reads the record for codeHash. A zero version means the
// program was never activated.
func (p Programs) getProgram(codeHash types.Hash) (Program, error) {
	word, err := p.programs.Get(codeHash)
	if err != nil {
		return Program{}, err
	}
	return deserializeProgram(word), nil
}

// setProgram writes the record for codeHash.
func (p Programs) setProgram(codeHash types.Hash, program Program) error {
	return p.programs.Set(codeHash, program.serialize())
}

// ModuleHash returns the canonical hash of the activated module for
// codeHash, failing if the program is not active under params.
func (p Programs) ModuleHash(codeHash types.Hash, params *StylusParams, time uint64) (types.Hash, error) {
	if _, err := p.activeProgram(codeHash, params, time); err != nil {
		return types.Hash{}, err
	}
	return p.moduleHashes.Get(codeHash)
}

// setModuleHash records the canonical module hash for codeHash.
func (p Programs) setModuleHash(codeHash types.Hash, moduleHash types.Hash) error {
	return p.moduleHashes.Set(codeHash, moduleHash)
}

// activeProgram reads the record for codeHash and checks that it is usable
// under params at the given block time.
func (p Programs) activeProgram(codeHash types.Hash, params *StylusParams, time uint64) (Program, error) {
	program, err := p.getProgram(codeHash)
	if err != nil {
		return program, err
	}
	if program.Version == 0 {
		return program, ErrProgramNotActivated
	}
	if program.Version != params.Version {
		return program, ErrProgramNeedsUpgrade
	}
	if program.AgeSeconds(time) > secondsPerDay*uint64(params.ExpiryDays) {
		return program, ErrProgramExpired
	}
	return program, nil
}

// CodehashVersion returns the activated version of codeHash, or zero.
func (p Programs) CodehashVersion(codeHash types.Hash) (uint16, error) {
	program, err := p.getProgram(codeHash)
	return program.Version, err
}

// SetProgramCachedBy flags or unflags a program for long-term caching on
// behalf of actor, rejecting anyone outside the owner and manager sets.
func (p Programs) SetProgramCachedBy(actor types.Address, codeHash types.Hash, cache bool, params *StylusParams, time uint64) error {
	allowed, err := p.CanManageCache(actor)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotCacheManager
	}
	return p.SetProgramCached(codeHash, cache, params, time)
}

// SetProgramCached flags or unflags a program for long-term caching.
// Authorization is the caller's concern; the system path uses it directly.
func (p Programs) SetProgramCached(codeHash types.Hash, cache bool, params *StylusParams, time uint64) error {
	program, err := p.activeProgram(codeHash, params, time)
	if err != nil {
		return err
	}
	if program.Cached == cache {
		return nil
	}
	program.Cached = cache
	return p.setProgram(codeHash, program)
}

// ProgramKeepalive extends a program's expiry. It fails before the
// keepalive window opens and charges the data pricer for keeping the
// compiled artifact around.
func (p Programs) ProgramKeepalive(codeHash types.Hash, params *StylusParams, time uint64) (uint64, error) {
	program, err := p.activeProgram(codeHash, params, time)
	if err != nil {
		return 0, err
	}
	// The window opens once the program is within KeepaliveDays of expiry.
	if params.KeepaliveDays < params.ExpiryDays {
		windowOpens := secondsPerDay * uint64(params.ExpiryDays-params.KeepaliveDays)
		if program.AgeSeconds(time) < windowOpens {
			return 0, ErrProgramKeepaliveTooSoon
		}
	}
	dataFee, err := p.dataPricer.UpdateModel(uint64(program.AsmEstimateKb)*1024, time)
	if err != nil {
		return 0, err
	}
	program.ActivatedAt = hoursSinceEpoch(time)
	return dataFee, p.setProgram(codeHash, program)
}

const secondsPerDay = 24 * 60 * 60

// AgeSeconds returns the program's age at the given block time.
func (p Program) AgeSeconds(time uint64) uint64 {
	activatedAt := chainEpoch + uint64(p.ActivatedAt)*3600
	if time < activatedAt {
		return 0
	}
	return time - activatedAt
}

// InitGas returns the gas charged to initialize the program from scratch.
func (p Program) InitGas(params *StylusParams) uint64 {
	base := uint64(params.MinInitGas) * MinInitGasUnits
	dyn := divCeil(uint64(p.InitCost)*uint64(params.InitCostScalar)*CostScalarPercent, 100)
	return base + dyn
}

// CachedGas returns the gas charged to initialize the program from the
// compiled-module cache.
func (p Program) CachedGas(params *StylusParams) uint64 {
	base := uint64(params.MinCachedInitGas) * MinCachedGasUnits
	dyn := divCeil(uint64(p.CachedCost)*uint64(params.CachedCostScalar)*CostScalarPercent, 100)
	return base + dyn
}

func divCeil(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func hoursSinceEpoch(time uint64) uint32 {
	if time < chainEpoch {
		return 0
	}
	hours := (time - chainEpoch) / 3600
	if hours > 0xFFFFFF {
		return 0xFFFFFF
	}
	return uint32(hours)
}
