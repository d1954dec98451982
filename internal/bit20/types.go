package bit20

import (
	"encoding/binary"
	"encoding/json"
	"strings"
)

// tickLen is the canonical normalized tick width. Longer ticks are rejected
// at deploy time rather than silently truncated.
const tickLen = 4

// normalizeTick case-folds and validates a tick string.
func normalizeTick(raw string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(raw))
	if len(t) != tickLen {
		return "", false
	}
	return t, true
}

// Token is the deployed state of one BIT-20 tick.
type Token struct {
	Tick         string `json:"tick"`
	Decimals     uint8  `json:"decimals"`
	MaxSupply    uint64 `json:"max_supply"`
	PerMintLimit uint64 `json:"per_mint_limit"`
	DeployedAt   uint32 `json:"deployed_at"`
	Minted       uint64 `json:"minted"`
	Holders      uint64 `json:"holders"`
}

// Balance is one address's holdings of one tick.
type Balance struct {
	Available    uint64 `json:"available"`
	Transferable uint64 `json:"transferable"`
}

// InscribeTransfer is a pending transferable inscription: minted but not yet
// sent on-chain.
type InscribeTransfer struct {
	Tick   string `json:"tick"`
	Amount uint64 `json:"amount"`
}

// LogKind tags one entry in the append-only transferable log.
type LogKind string

const (
	LogMint             LogKind = "mint"
	LogInscribeTransfer LogKind = "inscribe_transfer"
	LogTransferOut       LogKind = "transfer_out"
	LogTransferIn        LogKind = "transfer_in"
)

// LogEntry is one append-only record used to replay an address's holdings
// independent of the mutable balance table.
type LogEntry struct {
	Kind   LogKind `json:"kind"`
	Tick   string  `json:"tick"`
	Amount uint64  `json:"amount"`
	Height uint32  `json:"height"`
}

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

func decodeToken(b []byte) (Token, error) {
	var t Token
	err := json.Unmarshal(b, &t)
	return t, err
}

func decodeBalance(b []byte) (Balance, error) {
	var bal Balance
	err := json.Unmarshal(b, &bal)
	return bal, err
}

func decodeInscribeTransfer(b []byte) (InscribeTransfer, error) {
	var it InscribeTransfer
	err := json.Unmarshal(b, &it)
	return it, err
}

// balanceKey packs (tick, script) into a sortable composite key.
func balanceKey(tick string, script []byte) []byte {
	key := make([]byte, 0, len(tick)+1+len(script))
	key = append(key, byte(len(tick)))
	key = append(key, []byte(tick)...)
	key = append(key, script...)
	return key
}

// transferableLogKey packs (script, sequence) so a prefix scan over script
// replays one address's transfer history in order.
func transferableLogKey(script []byte, seq uint64) []byte {
	key := make([]byte, 0, len(script)+8)
	key = append(key, script...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(key, seqBuf[:]...)
}
