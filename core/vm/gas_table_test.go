package vm

import "testing"

func hashOf(b byte) [32]byte {
	var h [32]byte
	h[31] = b
	return h
}

func TestSstoreGas(t *testing.T) {
	zero := hashOf(0)
	one := hashOf(1)
	two := hashOf(2)

	cases := []struct {
		name       string
		original   [32]byte
		current    [32]byte
		newVal     [32]byte
		cold       bool
		wantGas    uint64
		wantRefund int64
	}{
		{"noop warm", one, one, one, false, WarmStorageReadCost, 0},
		{"noop cold", one, one, one, true, ColdSloadCost + WarmStorageReadCost, 0},
		{"set from zero", zero, zero, one, false, GasSstoreSet, 0},
		{"set from zero cold", zero, zero, one, true, ColdSloadCost + GasSstoreSet, 0},
		{"reset", one, one, two, false, GasSstoreReset, 0},
		{"clear", one, one, zero, false, GasSstoreReset, int64(GasSstoreReset) + int64(ColdSloadCost)},
		{"dirty write", one, two, hashOf(3), false, WarmStorageReadCost, 0},
		{"dirty clear", one, two, zero, false, WarmStorageReadCost, int64(GasSstoreReset) + int64(ColdSloadCost)},
		{"dirty unclear", one, zero, two, false, WarmStorageReadCost, -(int64(GasSstoreReset) + int64(ColdSloadCost))},
		{"restore original", one, two, one, false, WarmStorageReadCost, int64(GasSstoreReset) - int64(WarmStorageReadCost)},
		{"restore original zero", zero, one, zero, false, WarmStorageReadCost,
			int64(GasSstoreSet) - int64(WarmStorageReadCost)},
	}
	for _, tc := range cases {
		gas, refund := SstoreGas(tc.original, tc.current, tc.newVal, tc.cold)
		if gas != tc.wantGas {
			t.Errorf("%s: gas = %d, want %d", tc.name, gas, tc.wantGas)
		}
		if refund != tc.wantRefund {
			t.Errorf("%s: refund = %d, want %d", tc.name, refund, tc.wantRefund)
		}
	}
}

func TestCallGasSixtyFourths(t *testing.T) {
	// The caller keeps 1/64 of its remaining gas.
	if got := CallGas(6_400_000, 10_000_000); got != 6_300_000 {
		t.Fatalf("CallGas(6.4M, 10M) = %d, want 6300000", got)
	}
	// A modest request passes through unchanged.
	if got := CallGas(6_400_000, 1_000_000); got != 1_000_000 {
		t.Fatalf("CallGas(6.4M, 1M) = %d, want 1000000", got)
	}
}

func TestForwardGasStipend(t *testing.T) {
	child, deduction := ForwardGas(100_000, 50_000, true)
	if deduction != 50_000 {
		t.Fatalf("deduction = %d, want 50000", deduction)
	}
	if child != 50_000+CallStipend {
		t.Fatalf("child = %d, want %d", child, 50_000+CallStipend)
	}

	// No value, no stipend.
	child, deduction = ForwardGas(100_000, 50_000, false)
	if child != 50_000 || deduction != 50_000 {
		t.Fatalf("child, deduction = %d, %d; want 50000, 50000", child, deduction)
	}

	// Oversized requests are capped at 63/64.
	child, deduction = ForwardGas(6_400_000, 10_000_000, false)
	if child != 6_300_000 || deduction != 6_300_000 {
		t.Fatalf("child, deduction = %d, %d; want 6300000, 6300000", child, deduction)
	}
}

func TestMemoryGasCost(t *testing.T) {
	if got := MemoryGasCost(0); got != 0 {
		t.Fatalf("MemoryGasCost(0) = %d, want 0", got)
	}
	// One word: linear only.
	if got := MemoryGasCost(32); got != 3 {
		t.Fatalf("MemoryGasCost(32) = %d, want 3", got)
	}
	// 32 words: 96 linear + 1024/512 quadratic.
	if got := MemoryGasCost(1024); got != 98 {
		t.Fatalf("MemoryGasCost(1024) = %d, want 98", got)
	}
	// Partial words round up.
	if MemoryGasCost(33) != MemoryGasCost(64) {
		t.Fatal("33 bytes should price as two words")
	}
	if got := MemoryExpansionGas(32, 32); got != 0 {
		t.Fatalf("no expansion should be free, got %d", got)
	}
	if got := MemoryExpansionGas(32, 1024); got != 95 {
		t.Fatalf("MemoryExpansionGas(32, 1024) = %d, want 95", got)
	}
}

func TestLogAndSha3Gas(t *testing.T) {
	if got := LogGas(2, 100); got != GasLog+2*GasLogTopic+100*GasLogData {
		t.Fatalf("LogGas(2, 100) = %d", got)
	}
	if got := Sha3Gas(0); got != GasKeccak256 {
		t.Fatalf("Sha3Gas(0) = %d, want %d", got, GasKeccak256)
	}
	if got := Sha3Gas(64); got != GasKeccak256+2*GasKeccak256Word {
		t.Fatalf("Sha3Gas(64) = %d", got)
	}
}
