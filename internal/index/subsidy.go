package index

// Subsidy schedule: the numbering of satoshis follows block-reward issuance
// order, so seeding a coinbase's sat range requires knowing both the
// subsidy paid at a given height and the cumulative supply issued before
// it. No example in the pack implements this protocol detail directly (see
// DESIGN.md); the constants below mirror Bitcoin mainnet's well-known
// halving schedule.

const (
	coinValue             = 100_000_000
	initialSubsidy        = 50 * coinValue
	subsidyHalvingInterval = 210_000
	// subsidiesBecomeZero is the halving count beyond which subsidy
	// rounds down to zero; no further blocks issue new sats.
	subsidiesBecomeZero = 64
)

// subsidy returns the block reward, in satoshis, paid at height.
func subsidy(height uint32) uint64 {
	halvings := height / subsidyHalvingInterval
	if halvings >= subsidiesBecomeZero {
		return 0
	}
	return initialSubsidy >> halvings
}

// startingSat returns the sat number of the first satoshi issued by the
// coinbase at height: the cumulative subsidy of every block before it.
func startingSat(height uint32) uint64 {
	var total uint64
	var h uint32
	for h < height {
		halvings := h / subsidyHalvingInterval
		if halvings >= subsidiesBecomeZero {
			break
		}
		epochEnd := (halvings + 1) * subsidyHalvingInterval
		end := epochEnd
		if height < end {
			end = height
		}
		total += uint64(end-h) * subsidy(h)
		h = epochEnd
	}
	return total
}
