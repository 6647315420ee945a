package programs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/iosiro/arbos-go/arbos/storage"
)

func TestStylusDiscriminant(t *testing.T) {
	cases := []struct {
		code []byte
		want bool
	}{
		{[]byte{0xEF, 0xF0, 0x00, 0x00, 0x01}, true},
		{[]byte{0xEF, 0xF0, 0x00, 0x01}, true},
		{[]byte{0xEF, 0xF0, 0x00}, false}, // header but no dictionary byte
		{[]byte{0xEF, 0xF0, 0x01, 0x00}, false},
		{[]byte{0xEF, 0x00, 0x00, 0x00}, false},
		{[]byte{0x60, 0x80, 0x60, 0x40}, false}, // solidity preamble
		{nil, false},
	}
	for _, c := range cases {
		if got := IsStylusProgram(c.code); got != c.want {
			t.Errorf("IsStylusProgram(%x) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestCompressRoundTrip(t *testing.T) {
	wasm := NewModuleBuilder(1).Body(opI32Const, 0x00).Build()
	code := CompressWasm(wasm)
	if !IsStylusProgram(code) {
		t.Fatal("compressed program lost its discriminant")
	}
	out, err := DecompressWasm(code, initialMaxWasmSize)
	if err != nil {
		t.Fatalf("DecompressWasm: %v", err)
	}
	if !bytes.Equal(out, wasm) {
		t.Fatalf("round trip changed the module: %x != %x", out, wasm)
	}
}

func TestDecompressRawFallback(t *testing.T) {
	// A raw module behind the no-dictionary byte is not a brotli stream,
	// and must come back unchanged.
	wasm := NewModuleBuilder(1).Body(opI32Const, 0x00).Build()
	code := append([]byte{0xEF, 0xF0, 0x00, dictionaryNone}, wasm...)
	out, err := DecompressWasm(code, initialMaxWasmSize)
	if err != nil {
		t.Fatalf("DecompressWasm: %v", err)
	}
	if !bytes.Equal(out, wasm) {
		t.Fatal("raw fallback changed the module")
	}
}

func TestDecompressRejectsProgramDictionary(t *testing.T) {
	code := []byte{0xEF, 0xF0, 0x00, dictionaryProgram, 0x01, 0x02}
	if _, err := DecompressWasm(code, initialMaxWasmSize); !errors.Is(err, ErrUnsupportedDict) {
		t.Fatalf("err = %v, want ErrUnsupportedDict", err)
	}
}

func TestDecompressSizeLimit(t *testing.T) {
	wasm := make([]byte, 4096)
	code := CompressWasm(wasm)
	if _, err := DecompressWasm(code, 1024); !errors.Is(err, ErrDecompressedTooLarge) {
		t.Fatalf("err = %v, want ErrDecompressedTooLarge", err)
	}
}

func TestActivateWasmMetadata(t *testing.T) {
	b := NewModuleBuilder(3)
	b.Import("read_args")
	b.Import("write_result")
	b.Body(opI32Const, 0x00)
	wasm := b.Build()

	params := testStylusParams()
	info, err := ActivateWasm(wasm, params.Version, params, storage.NewSystemBurner(false))
	if err != nil {
		t.Fatalf("ActivateWasm: %v", err)
	}
	if info.Version != params.Version {
		t.Errorf("version = %d, want %d", info.Version, params.Version)
	}
	if info.Footprint != 3 {
		t.Errorf("footprint = %d, want 3", info.Footprint)
	}
	if info.ModuleHash.IsZero() {
		t.Error("module hash is zero")
	}
	if info.InitCost == 0 || info.CachedInitCost == 0 {
		t.Errorf("costs = %d/%d, want nonzero", info.InitCost, info.CachedInitCost)
	}

	// Costs are a pure function of the module.
	again, err := ActivateWasm(wasm, params.Version, params, storage.NewSystemBurner(false))
	if err != nil {
		t.Fatalf("second ActivateWasm: %v", err)
	}
	if *again != *info {
		t.Errorf("activation not deterministic: %+v != %+v", again, info)
	}
}

func TestActivateWasmFootprintLimit(t *testing.T) {
	params := testStylusParams()
	wasm := NewModuleBuilder(uint32(params.PageLimit) + 1).Body(opI32Const, 0x00).Build()
	_, err := ActivateWasm(wasm, params.Version, params, storage.NewSystemBurner(false))
	if !errors.Is(err, ErrFootprintTooLarge) {
		t.Fatalf("err = %v, want ErrFootprintTooLarge", err)
	}
}

func TestActivateWasmChargesGas(t *testing.T) {
	wasm := NewModuleBuilder(1).Body(opI32Const, 0x00).Build()
	params := testStylusParams()
	burner := storage.NewGasBurner(1000, false) // far below the base cost
	if _, err := ActivateWasm(wasm, params.Version, params, burner); err == nil {
		t.Fatal("expected an out of gas error")
	}
}

func TestValidateWasmRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00, 0x61, 0x73},                               // truncated magic
		{0x01, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, // bad magic
		{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}, // bad version
	}
	for _, wasm := range cases {
		if err := validateWasm(wasm, initialMaxWasmSize); err == nil {
			t.Errorf("validateWasm(%x) accepted invalid input", wasm)
		}
	}
}

func TestParseModuleRequiresEntrypoint(t *testing.T) {
	// Strip the export section by rebuilding by hand: magic, a type
	// section, a function section, and a code section only.
	var wasm []byte
	wasm = append(wasm, 0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00)
	wasm = appendSection(wasm, wasmSectionType, []byte{0x01, 0x60, 0x01, 0x7F, 0x01, 0x7F})
	wasm = appendSection(wasm, wasmSectionFunction, []byte{0x01, 0x00})
	wasm = appendSection(wasm, wasmSectionCode, []byte{0x01, 0x03, 0x00, 0x41, 0x00})
	if _, err := parseModule(wasm, initialMaxWasmSize); !errors.Is(err, ErrWasmNoEntrypoint) {
		t.Fatalf("err = %v, want ErrWasmNoEntrypoint", err)
	}
}
