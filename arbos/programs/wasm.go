package programs

// wasm.go handles the WASM binary format: validation, section parsing, and
// the module representation the engine executes. A small builder API at the
// bottom assembles valid modules for tests.

import (
	"encoding/binary"
	"errors"
)

// WASM binary format constants.
const (
	wasmMagic   uint32 = 0x6D736100 // \0asm in little-endian
	wasmMinSize        = 8          // magic (4) + version (4)
)

// WASM binary-format section ids.
const (
	wasmSectionCustom   byte = 0
	wasmSectionType     byte = 1
	wasmSectionImport   byte = 2
	wasmSectionFunction byte = 3
	wasmSectionTable    byte = 4
	wasmSectionMemory   byte = 5
	wasmSectionGlobal   byte = 6
	wasmSectionExport   byte = 7
	wasmSectionStart    byte = 8
	wasmSectionElement  byte = 9
	wasmSectionCode     byte = 10
	wasmSectionData     byte = 11
)

const wasmExportFunc byte = 0

// hostModule is the import namespace programs use for host functions.
const hostModule = "vm_hooks"

// entryPointName is the export every program must provide:
// user_entrypoint(args_len: i32) -> status: i32.
const entryPointName = "user_entrypoint"

// WASM validation errors.
var (
	ErrWasmTooShort       = errors.New("wasm: bytecode too short for WASM header")
	ErrWasmInvalidMagic   = errors.New("wasm: invalid WASM magic bytes")
	ErrWasmInvalidVersion = errors.New("wasm: unsupported WASM version")
	ErrWasmTooLarge       = errors.New("wasm: module exceeds maximum size")
	ErrWasmBadSection     = errors.New("wasm: invalid section header")
	ErrWasmSectionTooLong = errors.New("wasm: section extends beyond bytecode")
	ErrWasmDupSection     = errors.New("wasm: duplicate non-custom section")
	ErrWasmBadImport      = errors.New("wasm: malformed import section")
	ErrWasmNoCodeSection  = errors.New("wasm: no code section")
	ErrWasmNoEntrypoint   = errors.New("wasm: entrypoint export not found")
	ErrWasmBadMemory      = errors.New("wasm: malformed memory section")
)

// wasmSection is a parsed binary section.
type wasmSection struct {
	id   byte
	data []byte
}

// wasmImport is one imported function.
type wasmImport struct {
	module string
	name   string
}

// module is a parsed program, ready for the engine. The function index
// space begins with the imports; funcBodies[i] corresponds to function
// index len(imports)+i and retains its local declarations.
type module struct {
	wasm       []byte
	imports    []wasmImport
	funcBodies [][]byte
	memPages   uint16 // declared minimum memory, in 64 KB pages
	entry      int    // index into funcBodies of the entrypoint
}

// validateWasm checks magic bytes, version, the size limit, and section
// header integrity.
func validateWasm(code []byte, maxSize uint32) error {
	if len(code) < wasmMinSize {
		return ErrWasmTooShort
	}
	if uint32(len(code)) > maxSize {
		return ErrWasmTooLarge
	}
	if binary.LittleEndian.Uint32(code[0:4]) != wasmMagic {
		return ErrWasmInvalidMagic
	}
	if binary.LittleEndian.Uint32(code[4:8]) != 1 {
		return ErrWasmInvalidVersion
	}
	offset := 8
	seen := make(map[byte]bool)
	for offset < len(code) {
		sectionID := code[offset]
		offset++
		size, n, err := decodeLEB128(code[offset:])
		if err != nil {
			return ErrWasmBadSection
		}
		offset += n
		if offset+int(size) > len(code) {
			return ErrWasmSectionTooLong
		}
		if sectionID != wasmSectionCustom {
			if seen[sectionID] {
				return ErrWasmDupSection
			}
			seen[sectionID] = true
		}
		offset += int(size)
	}
	return nil
}

// parseModule validates and fully parses a program module.
func parseModule(code []byte, maxSize uint32) (*module, error) {
	if err := validateWasm(code, maxSize); err != nil {
		return nil, err
	}
	sections, err := parseSections(code[8:])
	if err != nil {
		return nil, err
	}
	m := &module{wasm: code, entry: -1}
	for _, sec := range sections {
		switch sec.id {
		case wasmSectionImport:
			if m.imports, err = parseImports(sec.data); err != nil {
				return nil, err
			}
		case wasmSectionMemory:
			if m.memPages, err = parseMemory(sec.data); err != nil {
				return nil, err
			}
		case wasmSectionExport:
			m.entry = findExportedFunc(sec.data, entryPointName)
		case wasmSectionCode:
			if m.funcBodies, err = parseCode(sec.data); err != nil {
				return nil, err
			}
		}
	}
	if len(m.funcBodies) == 0 {
		return nil, ErrWasmNoCodeSection
	}
	// The entrypoint must exist and be module-local, not an import.
	if m.entry < len(m.imports) {
		return nil, ErrWasmNoEntrypoint
	}
	m.entry -= len(m.imports)
	if m.entry >= len(m.funcBodies) {
		return nil, ErrWasmNoEntrypoint
	}
	return m, nil
}

func parseSections(data []byte) ([]wasmSection, error) {
	var sections []wasmSection
	offset := 0
	for offset < len(data) {
		id := data[offset]
		offset++
		size, n, err := decodeLEB128(data[offset:])
		if err != nil {
			return nil, ErrWasmBadSection
		}
		offset += n
		if offset+int(size) > len(data) {
			return nil, ErrWasmSectionTooLong
		}
		sd := make([]byte, size)
		copy(sd, data[offset:offset+int(size)])
		sections = append(sections, wasmSection{id: id, data: sd})
		offset += int(size)
	}
	return sections, nil
}

// parseImports reads the import section. Only function imports are
// accepted; programs get their memory from a local memory section.
func parseImports(data []byte) ([]wasmImport, error) {
	count, n, err := decodeLEB128(data)
	if err != nil {
		return nil, ErrWasmBadImport
	}
	offset := n
	imports := make([]wasmImport, 0, count)
	for i := uint32(0); i < count; i++ {
		mod, next, err := readName(data, offset)
		if err != nil {
			return nil, err
		}
		name, next, err := readName(data, next)
		if err != nil {
			return nil, err
		}
		if next >= len(data) {
			return nil, ErrWasmBadImport
		}
		kind := data[next]
		next++
		if kind != 0x00 {
			return nil, ErrWasmBadImport
		}
		_, n2, err := decodeLEB128(data[next:]) // type index
		if err != nil {
			return nil, ErrWasmBadImport
		}
		next += n2
		imports = append(imports, wasmImport{module: mod, name: name})
		offset = next
	}
	return imports, nil
}

func readName(data []byte, offset int) (string, int, error) {
	if offset >= len(data) {
		return "", 0, ErrWasmBadImport
	}
	length, n, err := decodeLEB128(data[offset:])
	if err != nil {
		return "", 0, ErrWasmBadImport
	}
	offset += n
	if offset+int(length) > len(data) {
		return "", 0, ErrWasmBadImport
	}
	return string(data[offset : offset+int(length)]), offset + int(length), nil
}

// parseMemory reads the memory section's minimum page count.
func parseMemory(data []byte) (uint16, error) {
	count, n, err := decodeLEB128(data)
	if err != nil || count != 1 {
		return 0, ErrWasmBadMemory
	}
	offset := n
	if offset >= len(data) {
		return 0, ErrWasmBadMemory
	}
	offset++ // limits flags
	minPages, _, err := decodeLEB128(data[offset:])
	if err != nil {
		return 0, ErrWasmBadMemory
	}
	if minPages > 0xFFFF {
		return 0, ErrWasmBadMemory
	}
	return uint16(minPages), nil
}

// findExportedFunc returns the function index exported under name, or -1.
func findExportedFunc(data []byte, name string) int {
	count, n, err := decodeLEB128(data)
	if err != nil {
		return -1
	}
	offset := n
	for i := uint32(0); i < count && offset < len(data); i++ {
		entryName, next, err := readName(data, offset)
		if err != nil {
			return -1
		}
		if next >= len(data) {
			return -1
		}
		kind := data[next]
		next++
		idx, n3, err := decodeLEB128(data[next:])
		if err != nil {
			return -1
		}
		next += n3
		if kind == wasmExportFunc && entryName == name {
			return int(idx)
		}
		offset = next
	}
	return -1
}

// parseCode splits the code section into per-function bodies, keeping each
// body's local declarations in place.
func parseCode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrWasmNoCodeSection
	}
	count, n, err := decodeLEB128(data)
	if err != nil {
		return nil, ErrWasmBadSection
	}
	offset := n
	bodies := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset >= len(data) {
			return nil, ErrWasmBadSection
		}
		size, n2, err := decodeLEB128(data[offset:])
		if err != nil {
			return nil, ErrWasmBadSection
		}
		offset += n2
		if offset+int(size) > len(data) {
			return nil, ErrWasmSectionTooLong
		}
		body := make([]byte, size)
		copy(body, data[offset:offset+int(size)])
		bodies = append(bodies, body)
		offset += int(size)
	}
	return bodies, nil
}

// decodeLEB128 decodes an unsigned LEB128 integer.
func decodeLEB128(data []byte) (uint32, int, error) {
	var result uint32
	var shift uint
	for i := 0; i < len(data) && i < 5; i++ {
		b := data[i]
		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("wasm: invalid LEB128 encoding")
}

// decodeSLEB128 decodes a signed LEB128 (i32) integer.
func decodeSLEB128(data []byte) (int32, int, error) {
	var r int32
	var sh uint
	for i := 0; i < len(data) && i < 5; i++ {
		b := data[i]
		r |= int32(b&0x7F) << sh
		sh += 7
		if b&0x80 == 0 {
			if sh < 32 && b&0x40 != 0 {
				r |= -(1 << sh)
			}
			return r, i + 1, nil
		}
	}
	return 0, 0, errors.New("wasm: invalid signed LEB128")
}

func appendLEB128(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func appendSection(buf []byte, id byte, data []byte) []byte {
	buf = append(buf, id)
	buf = appendLEB128(buf, uint32(len(data)))
	return append(buf, data...)
}

// ---------------------------------------------------------------------------
// Module builder, used by tests to assemble valid programs.
// ---------------------------------------------------------------------------

// ModuleBuilder assembles a syntactically valid program module: host
// imports from vm_hooks, one memory, and one local function exported as
// the entrypoint.
type ModuleBuilder struct {
	imports  []string
	memPages uint32
	locals   int
	body     []byte
}

// NewModuleBuilder creates a builder with the given memory size in pages.
func NewModuleBuilder(memPages uint32) *ModuleBuilder {
	return &ModuleBuilder{memPages: memPages}
}

// Import declares a host function import and returns its function index
// for use with the call opcode.
func (b *ModuleBuilder) Import(name string) uint32 {
	b.imports = append(b.imports, name)
	return uint32(len(b.imports) - 1)
}

// Locals sets the number of scratch i32 locals beyond the argument.
func (b *ModuleBuilder) Locals(n int) *ModuleBuilder {
	b.locals = n
	return b
}

// Body sets the entrypoint's instructions. The terminating end opcode is
// appended automatically.
func (b *ModuleBuilder) Body(code ...byte) *ModuleBuilder {
	b.body = code
	return b
}

// Build assembles the module bytes.
func (b *ModuleBuilder) Build() []byte {
	buf := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// Type section: type 0 = (i32) -> i32, shared by imports and the entry.
	buf = appendSection(buf, wasmSectionType, []byte{0x01, 0x60, 0x01, 0x7F, 0x01, 0x7F})

	if len(b.imports) > 0 {
		var id []byte
		id = appendLEB128(id, uint32(len(b.imports)))
		for _, name := range b.imports {
			id = appendLEB128(id, uint32(len(hostModule)))
			id = append(id, hostModule...)
			id = appendLEB128(id, uint32(len(name)))
			id = append(id, name...)
			id = append(id, 0x00) // func import
			id = appendLEB128(id, 0)
		}
		buf = appendSection(buf, wasmSectionImport, id)
	}

	// Function section: one local function of type 0.
	buf = appendSection(buf, wasmSectionFunction, []byte{0x01, 0x00})

	if b.memPages > 0 {
		var md []byte
		md = append(md, 0x01, 0x00) // one memory, no max
		md = appendLEB128(md, b.memPages)
		buf = appendSection(buf, wasmSectionMemory, md)
	}

	// Export section: the entrypoint.
	var ed []byte
	ed = append(ed, 0x01)
	ed = appendLEB128(ed, uint32(len(entryPointName)))
	ed = append(ed, entryPointName...)
	ed = append(ed, wasmExportFunc)
	ed = appendLEB128(ed, uint32(len(b.imports)))
	buf = appendSection(buf, wasmSectionExport, ed)

	// Code section: one body with optional i32 locals.
	var body []byte
	if b.locals > 0 {
		body = append(body, 0x01)
		body = appendLEB128(body, uint32(b.locals))
		body = append(body, 0x7F)
	} else {
		body = append(body, 0x00)
	}
	body = append(body, b.body...)
	body = append(body, opEnd)
	var cd []byte
	cd = append(cd, 0x01)
	cd = appendLEB128(cd, uint32(len(body)))
	cd = append(cd, body...)
	buf = appendSection(buf, wasmSectionCode, cd)

	return buf
}
