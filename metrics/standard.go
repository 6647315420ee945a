package metrics

// Pre-defined metrics for program execution. All metrics live in
// DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Program run metrics ----

	// ProgramRuns counts program frames executed.
	ProgramRuns = DefaultRegistry.Counter("stylus.runs")
	// ProgramReverts counts program frames that reverted.
	ProgramReverts = DefaultRegistry.Counter("stylus.reverts")
	// ProgramFailures counts program frames that trapped.
	ProgramFailures = DefaultRegistry.Counter("stylus.failures")
	// ProgramOutOfInk counts program frames that ran out of ink.
	ProgramOutOfInk = DefaultRegistry.Counter("stylus.out_of_ink")
	// ProgramGasUsed counts total gas consumed by program execution.
	ProgramGasUsed = DefaultRegistry.Counter("stylus.gas_used")
	// ProgramRunTime records wall-clock run duration in milliseconds.
	ProgramRunTime = DefaultRegistry.Histogram("stylus.run_ms")

	// ---- Module cache metrics ----

	// CacheHits counts compiled-module cache hits.
	CacheHits = DefaultRegistry.Counter("stylus.cache.hits")
	// CacheMisses counts compiled-module cache misses.
	CacheMisses = DefaultRegistry.Counter("stylus.cache.misses")
	// CacheModules tracks the number of resident compiled modules.
	CacheModules = DefaultRegistry.Gauge("stylus.cache.modules")

	// ---- Activation metrics ----

	// ProgramsActivated counts successful program activations.
	ProgramsActivated = DefaultRegistry.Counter("stylus.activations")
	// ActivationDataFee records the data fee charged per activation.
	ActivationDataFee = DefaultRegistry.Histogram("stylus.activation_fee")

	// ---- Host request metrics ----

	// HostRequests counts host requests serviced for running programs.
	HostRequests = DefaultRegistry.Counter("stylus.host_requests")
	// NestedCalls counts calls and creates issued by programs.
	NestedCalls = DefaultRegistry.Counter("stylus.nested_calls")
)
