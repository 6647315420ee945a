package programs

// datapricer.go prices the byte cost of keeping activated modules around.
// Demand decays linearly over time and grows with each activation; the
// per-byte price rises exponentially with outstanding demand, so a burst
// of large activations gets progressively more expensive.

import (
	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/arbos/storage"
)

// DataPricer is the storage-backed demand model.
type DataPricer struct {
	backingStorage *storage.Storage
	demand         storage.StorageBackedUint32
	bytesPerSecond storage.StorageBackedUint32
	lastUpdateTime storage.StorageBackedUint64
	minPrice       storage.StorageBackedUint32
	inertia        storage.StorageBackedUint32
}

const (
	demandOffset uint64 = iota
	bytesPerSecondOffset
	lastUpdateTimeOffset
	minPriceOffset
	inertiaOffset
)

const (
	initialDemand         uint32 = 0
	initialHourlyBytes    uint64 = 1 << 40 / (365 * 24) // 1 TB per year
	initialBytesPerSecond uint32 = uint32(initialHourlyBytes / 3600)
	initialMinPrice       uint32 = 82928201 // 5 MB for 1 unit of value
	initialInertia        uint32 = 21360419 // expensive at 1 TB
)

func initDataPricer(sto *storage.Storage) error {
	pricer := openDataPricer(sto)
	if err := pricer.demand.Set(initialDemand); err != nil {
		return err
	}
	if err := pricer.bytesPerSecond.Set(initialBytesPerSecond); err != nil {
		return err
	}
	if err := pricer.lastUpdateTime.Set(chainEpoch); err != nil {
		return err
	}
	if err := pricer.minPrice.Set(initialMinPrice); err != nil {
		return err
	}
	return pricer.inertia.Set(initialInertia)
}

func openDataPricer(sto *storage.Storage) *DataPricer {
	return &DataPricer{
		backingStorage: sto,
		demand:         sto.OpenStorageBackedUint32(demandOffset),
		bytesPerSecond: sto.OpenStorageBackedUint32(bytesPerSecondOffset),
		lastUpdateTime: sto.OpenStorageBackedUint64(lastUpdateTimeOffset),
		minPrice:       sto.OpenStorageBackedUint32(minPriceOffset),
		inertia:        sto.OpenStorageBackedUint32(inertiaOffset),
	}
}

// UpdateModel charges for tempBytes of new data at the given block time,
// returning the fee and advancing the demand model.
func (p *DataPricer) UpdateModel(tempBytes uint64, time uint64) (uint64, error) {
	demand, err := p.demand.Get()
	if err != nil {
		return 0, err
	}
	bytesPerSecond, err := p.bytesPerSecond.Get()
	if err != nil {
		return 0, err
	}
	lastUpdateTime, err := p.lastUpdateTime.Get()
	if err != nil {
		return 0, err
	}
	minPrice, err := p.minPrice.Get()
	if err != nil {
		return 0, err
	}
	inertia, err := p.inertia.Get()
	if err != nil {
		return 0, err
	}

	// Decay demand for the elapsed time, then add the new bytes.
	elapsed := uint64(0)
	if time > lastUpdateTime {
		elapsed = time - lastUpdateTime
	}
	decay := elapsed * uint64(bytesPerSecond)
	d := uint64(demand)
	if decay > d {
		d = 0
	} else {
		d -= decay
	}
	d += tempBytes
	if d > 0xFFFFFFFF {
		d = 0xFFFFFFFF
	}

	if err := p.demand.Set(uint32(d)); err != nil {
		return 0, err
	}
	if err := p.lastUpdateTime.Set(time); err != nil {
		return 0, err
	}

	// fee = bytes * minPrice * e^(demand/inertia)
	exponent := expFixed(d, uint64(inertia))
	fee := new(uint256.Int).SetUint64(tempBytes)
	fee.Mul(fee, uint256.NewInt(uint64(minPrice)))
	fee.Mul(fee, exponent)
	fee.Div(fee, uint256.NewInt(expFixedOne))

	if !fee.IsUint64() {
		return ^uint64(0), nil
	}
	return fee.Uint64(), nil
}

// expFixedOne is the fixed-point unit for expFixed.
const expFixedOne uint64 = 1 << 32

// expFixed approximates e^(num/denom) in 32.32 fixed point using the
// compound-growth identity (1 + x/k)^k with k = 64 iterations. The
// approximation is integer-only so every node computes the same fee.
func expFixed(num, denom uint64) *uint256.Int {
	const k = 64
	if denom == 0 {
		return uint256.NewInt(expFixedOne)
	}
	one := new(uint256.Int).SetUint64(expFixedOne)
	// step = one + (num << 32) / (denom * k)
	step := new(uint256.Int).SetUint64(num)
	step.Lsh(step, 32)
	step.Div(step, uint256.NewInt(denom*k))
	step.Add(step, one)

	result := new(uint256.Int).Set(one)
	for i := 0; i < k; i++ {
		result.Mul(result, step)
		result.Rsh(result, 32)
	}
	return result
}
