package bit20

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/klingon-exchange/ord-index/internal/model"
)

// protocolLiteral is the required value of the JSON "p" field. Chosen to
// match the overlay's own name; deploy/mint/transfer payloads that don't
// carry it are not this protocol's concern.
const protocolLiteral = "bit-20"

// minBodyLen is the open-question cutoff (§9b): a structurally valid
// protocol JSON shorter than this is still rejected.
const minBodyLen = 40

type op string

const (
	opDeploy   op = "deploy"
	opMint     op = "mint"
	opTransfer op = "transfer"
)

// wireMessage mirrors the on-chain JSON shape. Both "lim" and "limit" are
// accepted for the per-mint cap (§9c) and normalized onto Lim.
type wireMessage struct {
	Protocol string `json:"p"`
	Op       op     `json:"op"`
	Tick     string `json:"tick"`
	Max      string `json:"max"`
	Lim      string `json:"lim"`
	Limit    string `json:"limit"`
	Amt      string `json:"amt"`
}

// action is the decoded, validated intent of one inscription, ready for the
// updater to apply against token/balance state.
type action struct {
	kind op
	tick string
	max  uint64
	lim  uint64
	amt  uint64
}

var acceptableContentTypes = []string{
	"text/plain",
	"text/plain;charset=utf-8",
	"application/json",
}

func contentTypeAccepted(ct []byte) bool {
	s := strings.ToLower(strings.TrimSpace(string(ct)))
	s = strings.ReplaceAll(s, " ", "")
	if strings.HasPrefix(s, "text/plain;") {
		return true
	}
	for _, want := range acceptableContentTypes {
		if s == strings.ReplaceAll(want, " ", "") {
			return true
		}
	}
	return false
}

// parseAction decodes an inscription body into a protocol action. Returning
// (nil, nil) means the inscription is simply not a protocol message — not
// an error, just irrelevant input the updater should skip silently.
func parseAction(insc *model.Inscription) (*action, error) {
	if insc == nil {
		return nil, nil
	}
	if !contentTypeAccepted(insc.ContentType) {
		return nil, nil
	}
	if len(insc.Body) < minBodyLen {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(insc.Body))
	var msg wireMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, nil
	}
	// Extra content trailing a valid document disqualifies the whole
	// inscription (§6): a second top-level token would decode here.
	if dec.More() {
		return nil, nil
	}

	if msg.Protocol != protocolLiteral {
		return nil, nil
	}

	tick, ok := normalizeTick(msg.Tick)
	if !ok {
		return nil, nil
	}

	switch msg.Op {
	case opDeploy:
		max, err := parseAmount(msg.Max)
		if err != nil {
			return nil, nil
		}
		lim := msg.Lim
		if lim == "" {
			lim = msg.Limit
		}
		limit, err := parseAmount(lim)
		if err != nil {
			return nil, nil
		}
		return &action{kind: opDeploy, tick: tick, max: max, lim: limit}, nil

	case opMint:
		amt, err := parseAmount(msg.Amt)
		if err != nil {
			return nil, nil
		}
		return &action{kind: opMint, tick: tick, amt: amt}, nil

	case opTransfer:
		amt, err := parseAmount(msg.Amt)
		if err != nil {
			return nil, nil
		}
		return &action{kind: opTransfer, tick: tick, amt: amt}, nil

	default:
		return nil, nil
	}
}

func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", s, err)
	}
	return v, nil
}
