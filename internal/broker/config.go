package broker

// Config controls broker construction. It mirrors the plugin
// configuration surface: listen address, connection bound, and an
// optional region manifest.
type Config struct {
	// Host is the listen address, e.g. "localhost:9487".
	Host string

	// MaxAcceptedConnections bounds how many connections the receiver
	// accepts sequentially before it stops listening. 0 means unbounded.
	MaxAcceptedConnections int

	// RegionManifestPath, if non-empty, names a region manifest. New does
	// not read it; the caller loads it with LoadRegions and installs the
	// result with SetRegions.
	RegionManifestPath string

	// MergeAdjacentAccesses preserves the queue's deliberate
	// approximation of merging two memory-access records that land on
	// the same decoded-instruction index into one address-range-
	// maximizing record. Disabling it keeps both records in the slice's
	// chain; Metadata holds one descriptor per sequence number, so only
	// the first record for an instruction is published.
	MergeAdjacentAccesses bool

	// Primary and Secondary decode raw instruction bytes into decoded
	// instructions. Secondary is optional; when set, the adapter
	// selects between the two per-TB based on the low bit of the PC
	// (dual-mode architectures such as ARM/Thumb).
	Primary   Decoder
	Secondary Decoder
}

// DefaultHost is the listen address used when Config.Host is empty.
const DefaultHost = "localhost:9487"

// DefaultMaxAcceptedConnections matches the "at most one completed
// connection by default" non-goal around multi-tenancy.
const DefaultMaxAcceptedConnections = 1
