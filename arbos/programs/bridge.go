package programs

// bridge.go connects the EVM to the program engine. The bridge is
// installed on an EVM as its foreign runner: it recognizes program
// bytecode by discriminant, reconciles the registry record, prices entry
// and memory, and runs the module with the remaining gas converted to ink.

import (
	"github.com/holiman/uint256"

	"github.com/iosiro/arbos-go/arbos/storage"
	"github.com/iosiro/arbos-go/core/vm"
	"github.com/iosiro/arbos-go/crypto"
	"github.com/iosiro/arbos-go/log"
	"github.com/iosiro/arbos-go/metrics"
)

// programsSpace roots the program registry within the chain state account.
var programsSpace = []byte{0x0A}

// BridgeConfig tunes one bridge instance.
type BridgeConfig struct {
	// FormatVersion is the registry layout version the chain runs.
	FormatVersion uint64
	// AutoActivate activates unregistered programs on first call instead
	// of failing. Meant for dev chains; live chains require an explicit
	// activation transaction so the data fee is paid.
	AutoActivate bool
	// AutoCache treats every program as cached, waiving the tiered entry
	// cost. Meant for dev chains.
	AutoCache bool
	// CacheSize bounds the compiled module cache. Zero means the default.
	CacheSize int
	Logger    *log.Logger
}

// Bridge runs program bytecode on behalf of an EVM. One bridge serves one
// transaction at a time: the page tracker spans nested program frames
// within a transaction and resets between them.
type Bridge struct {
	cfg    BridgeConfig
	cache  *ProgramCache
	pages  pageTracker
	depth  uint32
	logger *log.Logger
}

// NewBridge creates a bridge with its own module cache.
func NewBridge(cfg BridgeConfig) *Bridge {
	return NewBridgeWithCache(cfg, NewProgramCache(cfg.CacheSize))
}

// NewBridgeWithCache creates a bridge sharing an existing module cache,
// letting concurrent chains reuse compiled modules.
func NewBridgeWithCache(cfg BridgeConfig, cache *ProgramCache) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		cfg:    cfg,
		cache:  cache,
		logger: logger.Module("stylus"),
	}
}

// Cache returns the bridge's module cache.
func (b *Bridge) Cache() *ProgramCache {
	return b.cache
}

// BeginTx resets per-transaction accounting. Call it before the first
// frame of each transaction.
func (b *Bridge) BeginTx() {
	b.pages = pageTracker{}
	b.depth = 0
}

// CanRun reports whether the bytecode is a program the bridge executes.
func (b *Bridge) CanRun(code []byte) bool {
	return IsStylusProgram(code)
}

// OpenPrograms opens the program registry backed by db, charging storage
// traffic to burner.
func OpenPrograms(db vm.StateDB, burner storage.Burner, formatVersion uint64) *Programs {
	root := storage.NewStorage(db, burner)
	return Open(root.OpenSubStorage(programsSpace), formatVersion)
}

// InitializePrograms writes the registry's genesis state.
func InitializePrograms(db vm.StateDB, formatVersion uint64) error {
	root := storage.NewStorage(db, storage.NewSystemBurner(false))
	return Initialize(root.OpenSubStorage(programsSpace), formatVersion)
}

// Run executes one program frame. The returned gas is what remains for
// the caller; errors follow EVM conventions, so a revert carries data and
// anything else consumes the frame's gas.
func (b *Bridge) Run(evm *vm.EVM, contract *vm.Contract, input []byte, readOnly bool) ([]byte, uint64, error) {
	burner := storage.NewGasBurner(contract.Gas, readOnly)
	progs := OpenPrograms(evm.StateDB, burner, b.cfg.FormatVersion)

	params, err := progs.Params()
	if err != nil {
		return nil, burner.GasLeft(), err
	}

	codeHash := contract.CodeHash
	if codeHash.IsZero() {
		codeHash = crypto.Keccak256Hash(contract.Code)
	}
	time := evm.Context.Time

	program, err := progs.activeProgram(codeHash, params, time)
	if err != nil && b.cfg.AutoActivate {
		if _, _, _, aerr := progs.ActivateProgram(contract.Code, time); aerr == nil {
			program, err = progs.activeProgram(codeHash, params, time)
		}
	}
	if err != nil {
		// Unactivated, stale, or expired programs revert the frame with
		// nothing left rather than failing outright.
		b.logger.Debug("program not runnable", "address", contract.Address.Hex(), "err", err)
		return nil, 0, vm.ErrExecutionReverted
	}

	// Entry pricing: the memory footprint plus the tiered init cost.
	model := params.memoryModel()
	memCost := model.GasCost(program.Footprint, b.pages.Open, b.pages.Ever)
	if err := burner.Burn(memCost); err != nil {
		return nil, 0, err
	}
	cached := program.Cached || b.cfg.AutoCache
	entryCost := program.InitGas(params)
	if cached {
		entryCost = program.CachedGas(params)
	}
	if err := burner.Burn(entryCost); err != nil {
		return nil, 0, err
	}

	openBefore := b.pages.Open
	b.pages.Open = saturatingAdd16(b.pages.Open, program.Footprint)
	if b.pages.Open > b.pages.Ever {
		b.pages.Ever = b.pages.Open
	}
	defer func() { b.pages.Open = openBefore }()

	moduleHash, err := progs.ModuleHash(codeHash, params, time)
	if err != nil {
		return nil, burner.GasLeft(), err
	}
	wasm, err := DecompressWasm(contract.Code, params.MaxWasmSize)
	if err != nil {
		return nil, burner.GasLeft(), err
	}
	mod, err := b.cache.GetOrCompile(moduleHash, wasm, params.MaxWasmSize)
	if err != nil {
		return nil, burner.GasLeft(), err
	}

	// The stored record must agree with what the module itself prices at.
	// A mismatch means the record belongs to different bytes, so revert
	// rather than trust either side. Auto-activation refreshes records
	// instead of policing them.
	if !b.cfg.AutoActivate {
		initCost, cachedCost := mod.initCosts()
		if program.InitCost != initCost || program.CachedCost != cachedCost || program.Footprint != mod.memPages {
			b.logger.Debug("program record mismatch",
				"address", contract.Address.Hex(), "codehash", codeHash.Hex())
			return nil, 0, vm.ErrExecutionReverted
		}
	}

	data := &EvmData{
		BlockBasefee:    evm.Context.BaseFee,
		BlockCoinbase:   evm.Context.Coinbase,
		BlockGasLimit:   evm.Context.GasLimit,
		BlockNumber:     evm.Context.BlockNumber,
		BlockTimestamp:  evm.Context.Time,
		ChainID:         evm.Config.ChainID,
		ContractAddress: contract.Address,
		ModuleHash:      moduleHash,
		MsgSender:       contract.CallerAddress,
		MsgValue:        valueOrZero(contract.Value),
		TxGasPrice:      valueOrZero(evm.TxContext.GasPrice),
		TxOrigin:        evm.TxContext.Origin,
		Reentrant:       b.depth,
		ReadOnly:        readOnly,
	}
	router := newRequestRouter(evm, contract, readOnly, model, &b.pages)

	ink := params.GasToInk(burner.GasLeft())
	b.depth++
	timer := metrics.NewTimer(metrics.ProgramRunTime)
	outcome := RunProgram(mod, input, ink, params, data, router.Handle)
	timer.Stop()
	b.depth--

	metrics.ProgramRuns.Inc()
	metrics.ProgramGasUsed.Add(int64(params.InkToGas(ink - outcome.InkLeft)))
	b.logger.Debug("program finished",
		"address", contract.Address.Hex(),
		"outcome", outcome.Kind.String(),
		"inkLeft", outcome.InkLeft)

	switch outcome.Kind {
	case OutcomeSuccess:
		return outcome.Data, params.InkToGas(outcome.InkLeft), nil
	case OutcomeRevert:
		metrics.ProgramReverts.Inc()
		return outcome.Data, params.InkToGas(outcome.InkLeft), vm.ErrExecutionReverted
	case OutcomeOutOfInk:
		metrics.ProgramOutOfInk.Inc()
		return nil, 0, vm.ErrOutOfGas
	case OutcomeOutOfStack:
		metrics.ProgramFailures.Inc()
		return nil, 0, vm.ErrStackOverflow
	default:
		metrics.ProgramFailures.Inc()
		return nil, 0, vm.ErrExecutionReverted
	}
}

func valueOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v
}

var _ vm.ForeignRunner = (*Bridge)(nil)
