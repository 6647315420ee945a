package programs

// activate.go is the on-chain activation flow: decompress the bytecode,
// derive the module metadata, charge the data fee, and record the result.

import (
	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/crypto"
	"github.com/iosiro/arbos-go/metrics"
)

// ActivateProgram activates, or re-activates after an upgrade or expiry,
// the program whose bytecode is code. It returns the format version the
// program was activated against, the module hash, and the data fee owed
// for keeping the compiled artifact around. Activating a program that is
// already current fails with ErrProgramUpToDate and mutates nothing.
func (p Programs) ActivateProgram(code []byte, time uint64) (uint16, types.Hash, uint64, error) {
	params, err := p.Params()
	if err != nil {
		return 0, types.Hash{}, 0, err
	}
	codeHash := crypto.Keccak256Hash(code)

	existing, err := p.getProgram(codeHash)
	if err != nil {
		return 0, types.Hash{}, 0, err
	}
	expirySeconds := uint64(params.ExpiryDays) * 86400
	if existing.Version == params.Version && existing.Version != 0 &&
		existing.AgeSeconds(time) < expirySeconds {
		return 0, types.Hash{}, 0, ErrProgramUpToDate
	}

	wasm, err := DecompressWasm(code, params.MaxWasmSize)
	if err != nil {
		return 0, types.Hash{}, 0, err
	}
	info, err := ActivateWasm(wasm, params.Version, params, p.backingStorage.Burner())
	if err != nil {
		return 0, types.Hash{}, 0, err
	}

	dataFee, err := p.dataPricer.UpdateModel(uint64(info.AsmEstimate), time)
	if err != nil {
		return 0, types.Hash{}, 0, err
	}

	record := Program{
		Version:       info.Version,
		InitCost:      info.InitCost,
		CachedCost:    info.CachedInitCost,
		Footprint:     info.Footprint,
		AsmEstimateKb: (info.AsmEstimate + 1023) / 1024,
		ActivatedAt:   hoursSinceEpoch(time),
		Cached:        existing.Cached,
	}
	if err := p.setProgram(codeHash, record); err != nil {
		return 0, types.Hash{}, 0, err
	}
	if err := p.setModuleHash(codeHash, info.ModuleHash); err != nil {
		return 0, types.Hash{}, 0, err
	}
	metrics.ProgramsActivated.Inc()
	metrics.ActivationDataFee.Observe(float64(dataFee))
	return info.Version, info.ModuleHash, dataFee, nil
}
