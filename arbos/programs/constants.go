package programs

// Initial chain parameters for program execution. These seed the stored
// parameter block at genesis; governance can change them afterwards.
const (
	initialVersion          uint16 = 1
	initialInkPrice         uint32 = 10000       // ink per unit of gas
	initialStackDepth       uint32 = 4 * 65536   // 4 MB of stack
	initialFreePages        uint16 = 2           // per tx, no memory charge
	initialPageGas          uint16 = 1000        // linear cost per allocated page
	initialPageRamp         uint64 = 620674314   // target 8 GB at 128 pages
	initialPageLimit        uint16 = 128         // slightly less than 8 MB
	initialMinInitGas       uint8  = 72          // charged in 128-gas units
	initialMinCachedGas     uint8  = 11          // charged in 32-gas units
	initialInitCostScalar   uint8  = 50          // scaled by CostScalarPercent
	initialCachedCostScalar uint8  = 50          // scaled by CostScalarPercent
	initialExpiryDays       uint16 = 365         // deactivate after 1 year
	initialKeepaliveDays    uint16 = 31          // wait a month before keepalive
	initialRecentCacheSize  uint16 = 32          // cache the last 32 programs
	initialMaxWasmSize      uint32 = 128 * 1024  // max decompressed module size

	MinInitGasUnits   uint64 = 128 // granularity of the stored minimum
	MinCachedGasUnits uint64 = 32
	CostScalarPercent uint64 = 2 // granularity of the stored cost scalars
)

// chainEpoch is hour zero for activation timestamps and the data pricer.
const chainEpoch uint64 = 1421388000

// maxWasmSizeVersion is the params-format version that added the stored
// maximum module size; older blocks use the initial value.
const maxWasmSizeVersion uint64 = 40

// memoryExponents[p] is the exponential pricing term for an all-time peak
// of p open pages, precomputed from the page ramp so pricing needs no
// floating point. Beyond the table (the page limit) the cost is
// effectively infinite.
var memoryExponents = [129]uint32{
	1, 1, 1, 1, 1, 1, 2, 2, 2, 3, 3, 4, 5, 5, 6, 7, 8, 9, 11, 12, 14, 17,
	19, 22, 25, 29, 33, 38, 43, 50, 57, 65, 75, 85, 98, 112, 128, 147, 168,
	193, 221, 253, 289, 331, 379, 434, 497, 569, 651, 745, 853, 976, 1117,
	1279, 1463, 1675, 1917, 2194, 2511, 2874, 3290, 3765, 4309, 4932, 5645,
	6461, 7395, 8464, 9687, 11087, 12689, 14523, 16621, 19024, 21773, 24919,
	28521, 32642, 37359, 42758, 48938, 56010, 64104, 73368, 83971, 96106,
	109994, 125890, 144082, 164904, 188735, 216010, 247226, 282953, 323844,
	370643, 424206, 485509, 555672, 635973, 727880, 833067, 953456, 1091243,
	1248941, 1429429, 1636000, 1872423, 2143012, 2452704, 2807151, 3212820,
	3677113, 4208502, 4816684, 5512756, 6309419, 7221210, 8264766, 9459129,
	10826093, 12390601, 14181199, 16230562, 18576084, 21260563, 24332984,
	27849408, 31873999,
}
