package index

// Bucket names for the bbolt-backed index (§5 of SPEC_FULL.md). Every
// primary entity in spec.md §3 maps to exactly one top-level bucket here;
// this is the single place key/bucket layout changes.
var (
	bucketHeightToBlockHash     = []byte("height_to_block_hash")
	bucketBlockHashToHeight     = []byte("block_hash_to_height")
	bucketOutpointToValue       = []byte("outpoint_to_value")
	bucketOutpointToScript      = []byte("outpoint_to_script")
	bucketOutpointToSatRanges   = []byte("outpoint_to_sat_ranges")
	bucketAddressToOutpoints    = []byte("address_to_outpoints")
	bucketSatToSatpoint         = []byte("sat_to_satpoint")
	bucketInscriptionIdToEntry  = []byte("inscription_id_to_entry")
	bucketInscriptionNumToId    = []byte("inscription_number_to_id")
	bucketInscriptionToSatpoint = []byte("inscription_id_to_satpoint")
	bucketSatpointToInscription = []byte("satpoint_to_inscription_id")
	bucketStatisticToCount      = []byte("statistic_to_count")
)

// allBuckets lists every bucket the driver must ensure exists before the
// first write transaction. The BIT-20 overlay (internal/bit20) owns and
// creates its own four buckets lazily in the same transaction, keeping that
// package decoupled from this one (see internal/bit20/schema.go).
var allBuckets = [][]byte{
	bucketHeightToBlockHash,
	bucketBlockHashToHeight,
	bucketOutpointToValue,
	bucketOutpointToScript,
	bucketOutpointToSatRanges,
	bucketAddressToOutpoints,
	bucketSatToSatpoint,
	bucketInscriptionIdToEntry,
	bucketInscriptionNumToId,
	bucketInscriptionToSatpoint,
	bucketSatpointToInscription,
	bucketStatisticToCount,
}

// Statistic identifies one of the running counters in §3.
type Statistic byte

const (
	StatLostSats Statistic = iota
	StatSatRanges
	StatCommits
	StatOutputsTraversed
	// StatInscriptionCount doubles as the next dense inscription number to
	// assign: inscription_number_to_id is a bijection onto [0, N), so N is
	// exactly this counter's value.
	StatInscriptionCount
	// StatLostSatsCursor is the running offset into the null outpoint's
	// range list that the next burned inscription will land on.
	StatLostSatsCursor
)
