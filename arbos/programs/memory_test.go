package programs

import (
	"math"
	"testing"
)

func TestMemoryModelFreePages(t *testing.T) {
	model := NewMemoryModel(initialFreePages, initialPageGas)
	if cost := model.GasCost(0, 0, 0); cost != 0 {
		t.Errorf("opening nothing costs %d", cost)
	}
	if cost := model.GasCost(initialFreePages, 0, 0); cost != 0 {
		t.Errorf("subsidized pages cost %d", cost)
	}
	if cost := model.GasCost(initialFreePages+1, 0, 0); cost == 0 {
		t.Error("a page beyond the subsidy was free")
	}
}

func TestMemoryModelLinearTerm(t *testing.T) {
	// With no exponential growth past the first open, reopening the same
	// number of pages costs exactly the linear rate.
	model := NewMemoryModel(0, 1000)
	ever := uint16(16)
	cost := model.GasCost(4, 8, ever)
	if cost != 4*1000 {
		t.Errorf("cost = %d, want %d", cost, 4*1000)
	}
}

func TestMemoryModelExponentialGrowth(t *testing.T) {
	model := NewMemoryModel(initialFreePages, initialPageGas)
	var last uint64
	for pages := uint16(1); pages <= initialPageLimit; pages++ {
		cost := model.GasCost(pages, 0, 0)
		if cost < last {
			t.Fatalf("cost decreased at %d pages: %d < %d", pages, cost, last)
		}
		last = cost
	}
	// Growing the peak dominates reopening under it.
	grow := model.GasCost(1, 100, 100)
	reopen := model.GasCost(1, 99, 100)
	if grow <= reopen {
		t.Errorf("peak growth (%d) not more expensive than reopen (%d)", grow, reopen)
	}
}

func TestMemoryModelBeyondTable(t *testing.T) {
	model := NewMemoryModel(0, 0)
	if cost := model.GasCost(1, initialPageLimit, initialPageLimit); cost < math.MaxUint64/2 {
		t.Errorf("cost past the table = %d, want effectively unpayable", cost)
	}
}

func TestSaturatingAdds(t *testing.T) {
	if got := saturatingAdd16(math.MaxUint16, 1); got != math.MaxUint16 {
		t.Errorf("saturatingAdd16 overflowed to %d", got)
	}
	if got := saturatingAdd64(math.MaxUint64, 1); got != math.MaxUint64 {
		t.Errorf("saturatingAdd64 overflowed to %d", got)
	}
	if got := saturatingAdd16(1, 2); got != 3 {
		t.Errorf("saturatingAdd16(1,2) = %d", got)
	}
}
