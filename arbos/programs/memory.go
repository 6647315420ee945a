package programs

// memory.go prices program memory. Each program declares a footprint in
// 64 KB pages; a transaction pays linearly for pages it opens and
// exponentially for growing its all-time peak, so a single transaction
// cannot cheaply reserve the node's memory.

import "math"

// MemoryModel prices page allocation for one set of chain parameters.
type MemoryModel struct {
	freePages uint16 // subsidized pages per tx
	pageGas   uint16 // linear cost per allocated page
}

// NewMemoryModel creates a model with the given subsidy and page price.
func NewMemoryModel(freePages uint16, pageGas uint16) *MemoryModel {
	return &MemoryModel{
		freePages: freePages,
		pageGas:   pageGas,
	}
}

// GasCost returns the gas needed to open pages new pages, given open
// currently-open pages and an all-time transaction peak of ever pages.
func (model *MemoryModel) GasCost(pages, open, ever uint16) uint64 {
	newOpen := saturatingAdd16(open, pages)
	newEver := ever
	if newOpen > newEver {
		newEver = newOpen
	}

	// Nothing is charged below the free-page subsidy.
	if newEver <= model.freePages {
		return 0
	}
	subFree := func(x uint16) uint16 {
		if x < model.freePages {
			return 0
		}
		return x - model.freePages
	}

	adding := uint64(subFree(newOpen)) - uint64(subFree(open))
	linear := adding * uint64(model.pageGas)
	expand := model.exp(newEver) - model.exp(ever)
	return saturatingAdd64(linear, expand)
}

// exp returns the exponential pricing term for a peak of pages pages.
func (model *MemoryModel) exp(pages uint16) uint64 {
	if int(pages) < len(memoryExponents) {
		return uint64(memoryExponents[pages])
	}
	return math.MaxUint64
}

func saturatingAdd16(a, b uint16) uint16 {
	sum := a + b
	if sum < a {
		return math.MaxUint16
	}
	return sum
}

func saturatingAdd64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}
	return sum
}
