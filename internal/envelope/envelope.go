// Package envelope decodes inscription envelopes embedded in witness
// scripts: a tagged-data payload hidden behind an unexecuted OP_FALSE OP_IF
// branch, the same trick used elsewhere in the codebase to carry auxiliary
// data inside a spend script (see internal/swap's HTLC branch scripts for
// the sibling technique of stashing logic behind script branches).
package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/ord-index/internal/model"
	"github.com/klingon-exchange/ord-index/pkg/helpers"
)

// protocolID is the literal pushed immediately after OP_IF that marks an
// envelope as belonging to this protocol, distinguishing it from unrelated
// uses of the same OP_FALSE OP_IF … OP_ENDIF trick.
var protocolID = []byte("ord")

// Tag identifies one field within an envelope's tagged data section.
type Tag byte

const (
	TagContentType Tag = 1
	TagParent      Tag = 3
	TagMetadata    Tag = 5
	TagBody        Tag = 0 // terminal: everything after this tag is body data
)

// ErrNoEnvelope is returned by Parse when the witness script does not
// contain a recognized envelope; callers treat this as "nothing to do" on
// that input, not an error worth logging.
var ErrNoEnvelope = fmt.Errorf("envelope: no envelope present")

// Parse scans a taproot witness stack for the reveal script (second-to-last
// element, following BIP 341: stack = [..., script, control_block]) and
// decodes every envelope found within it. A single input's reveal script may
// legitimately carry more than one envelope (batch inscribing).
func Parse(witness [][]byte) ([]*model.Inscription, error) {
	if len(witness) < 2 {
		return nil, ErrNoEnvelope
	}
	script := witness[len(witness)-2]
	return ParseScript(script)
}

// ParseScript decodes every envelope present in a raw script, in the order
// they appear.
func ParseScript(script []byte) ([]*model.Inscription, error) {
	pushes, ok := tokenize(script)
	if !ok {
		return nil, ErrNoEnvelope
	}

	var out []*model.Inscription
	for i := 0; i < len(pushes); i++ {
		if !isEnvelopeStart(pushes, i) {
			continue
		}
		insc, consumed, err := decodeEnvelope(pushes, i+3)
		if err != nil {
			return out, err
		}
		if insc != nil {
			out = append(out, insc)
		}
		i += consumed + 3 // skip past OP_ENDIF
	}
	if len(out) == 0 {
		return nil, ErrNoEnvelope
	}
	return out, nil
}

// token is one parsed script element: either an opcode with no payload, or a
// data push (opcode == txscript.OP_DATA_* variants are folded into Data).
type token struct {
	opcode byte
	data   []byte
	isData bool
}

// tokenize flattens a script into a token stream using btcd's tokenizer,
// which already handles all of the minimal-push and multi-byte length
// opcodes correctly.
func tokenize(script []byte) ([]token, bool) {
	var toks []token
	tz := txscript.MakeScriptTokenizer(0, script)
	for tz.Next() {
		if tz.Data() != nil {
			toks = append(toks, token{opcode: tz.Opcode(), data: tz.Data(), isData: true})
		} else {
			toks = append(toks, token{opcode: tz.Opcode()})
		}
	}
	if tz.Err() != nil {
		return nil, false
	}
	return toks, true
}

// isEnvelopeStart reports whether pushes[i:] begins OP_FALSE OP_IF <"ord">.
func isEnvelopeStart(toks []token, i int) bool {
	if i+2 >= len(toks) {
		return false
	}
	if toks[i].opcode != txscript.OP_FALSE && toks[i].opcode != txscript.OP_0 {
		return false
	}
	if toks[i+1].opcode != txscript.OP_IF {
		return false
	}
	return toks[i+2].isData && helpers.BytesEqual(toks[i+2].data, protocolID)
}

// decodeEnvelope reads tag/value pairs starting at toks[start] until
// OP_ENDIF, returning the decoded inscription and the number of tokens
// consumed up to and including OP_ENDIF.
func decodeEnvelope(toks []token, start int) (*model.Inscription, int, error) {
	insc := &model.Inscription{}
	i := start
	for ; i < len(toks); i++ {
		if toks[i].opcode == txscript.OP_ENDIF {
			return insc, i - start, nil
		}
		// A tag is a one-byte push, or the small-integer opcode a minimal
		// push of that byte becomes (OP_0 for 0, OP_1..OP_16 for 1..16).
		var tag Tag
		switch {
		case toks[i].isData && len(toks[i].data) == 1:
			tag = Tag(toks[i].data[0])
		case toks[i].isData:
			return nil, i - start, fmt.Errorf("envelope: malformed tag")
		case toks[i].opcode == txscript.OP_0:
			tag = TagBody
		case toks[i].opcode >= txscript.OP_1 && toks[i].opcode <= txscript.OP_16:
			tag = Tag(toks[i].opcode - txscript.OP_1 + 1)
		default:
			return nil, i - start, fmt.Errorf("envelope: unexpected opcode %d in tag position", toks[i].opcode)
		}

		if tag == TagBody {
			// Everything remaining up to OP_ENDIF is raw body data, pushed
			// across as many chunks as needed to respect the 520-byte
			// script element limit.
			i++
			var body []byte
			for ; i < len(toks) && toks[i].opcode != txscript.OP_ENDIF; i++ {
				if !toks[i].isData {
					return nil, i - start, fmt.Errorf("envelope: unexpected opcode %d in body", toks[i].opcode)
				}
				body = append(body, toks[i].data...)
			}
			insc.Body = body
			if i >= len(toks) {
				return nil, i - start, fmt.Errorf("envelope: unterminated body")
			}
			return insc, i - start, nil
		}

		i++
		if i >= len(toks) || !toks[i].isData {
			return nil, i - start, fmt.Errorf("envelope: tag %d missing value", tag)
		}
		value := toks[i].data

		switch tag {
		case TagContentType:
			insc.ContentType = value
		case TagMetadata:
			insc.Metadata = value
		case TagParent:
			id, err := parentFromBytes(value)
			if err != nil {
				return nil, i - start, fmt.Errorf("envelope: parent tag: %w", err)
			}
			insc.Parent = id
		default:
			// Unknown tags are ignored rather than rejected, so future
			// protocol fields degrade gracefully on older parsers.
		}
	}
	return nil, i - start, fmt.Errorf("envelope: unterminated envelope")
}

// parentFromBytes decodes a little-endian-packed inscription id, the
// compact form real envelopes use for the parent tag (36 bytes: 32-byte
// txid reversed, 4-byte little-endian index, trailing zero bytes trimmed).
func parentFromBytes(b []byte) (*model.InscriptionId, error) {
	if len(b) < 32 || len(b) > model.InscriptionIdLen {
		return nil, fmt.Errorf("want 32-%d bytes, got %d", model.InscriptionIdLen, len(b))
	}
	padded := helpers.PadRight(b, model.InscriptionIdLen)
	var id model.InscriptionId
	copy(id.Txid[:], reverseTxid(padded[:32]))
	id.Index = binary.LittleEndian.Uint32(padded[32:])
	return &id, nil
}

func reverseTxid(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i, j := 0, 31; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
