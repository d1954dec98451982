// Package model defines the shared byte-exact types threaded through the
// indexing pipeline: outpoints, satpoints, sat ranges, and inscription ids,
// plus the operation stream between the inscription updater and the BIT-20
// updater. Kept dependency-free of both so neither needs to import the
// other.
package model

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Outpoint is a canonical (txid, vout) pointer to a transaction output.
// Encoded form is 36 bytes: 32-byte txid followed by a 4-byte big-endian
// vout, used directly as table keys.
type Outpoint struct {
	Hash chainhash.Hash
	Vout uint32
}

// NullOutpoint is the sentinel destination for sats a block cannot account
// for (§4.3 step 6, §8 S5).
var NullOutpoint = Outpoint{}

const OutpointLen = chainhash.HashSize + 4

// Bytes returns the fixed-width 36-byte key encoding of the outpoint.
func (o Outpoint) Bytes() []byte {
	buf := make([]byte, OutpointLen)
	copy(buf, o.Hash[:])
	binary.BigEndian.PutUint32(buf[chainhash.HashSize:], o.Vout)
	return buf
}

// OutpointFromBytes decodes the fixed-width encoding produced by Bytes.
func OutpointFromBytes(b []byte) (Outpoint, error) {
	if len(b) != OutpointLen {
		return Outpoint{}, fmt.Errorf("outpoint: want %d bytes, got %d", OutpointLen, len(b))
	}
	var o Outpoint
	copy(o.Hash[:], b[:chainhash.HashSize])
	o.Vout = binary.BigEndian.Uint32(b[chainhash.HashSize:])
	return o, nil
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Vout)
}

// Satpoint is a specific satoshi within an output: the offset'th sat of
// outpoint's content, offset < coin_value(outpoint).
type Satpoint struct {
	Outpoint Outpoint
	Offset   uint64
}

const SatpointLen = OutpointLen + 8

// Bytes returns the fixed-width 44-byte key encoding of the satpoint.
func (s Satpoint) Bytes() []byte {
	buf := make([]byte, SatpointLen)
	copy(buf, s.Outpoint.Bytes())
	binary.BigEndian.PutUint64(buf[OutpointLen:], s.Offset)
	return buf
}

// SatpointFromBytes decodes the fixed-width encoding produced by Bytes.
func SatpointFromBytes(b []byte) (Satpoint, error) {
	if len(b) != SatpointLen {
		return Satpoint{}, fmt.Errorf("satpoint: want %d bytes, got %d", SatpointLen, len(b))
	}
	op, err := OutpointFromBytes(b[:OutpointLen])
	if err != nil {
		return Satpoint{}, err
	}
	return Satpoint{Outpoint: op, Offset: binary.BigEndian.Uint64(b[OutpointLen:])}, nil
}

func (s Satpoint) String() string {
	return fmt.Sprintf("%s:%d", s.Outpoint, s.Offset)
}

// IsNull reports whether s is the burned-sat sentinel (null outpoint).
func (s Satpoint) IsNull() bool {
	return s.Outpoint == NullOutpoint
}

// SatRange is a half-open range of satoshi numbers [Start, End).
type SatRange struct {
	Start, End uint64
}

// Len returns the number of sats the range covers.
func (r SatRange) Len() uint64 { return r.End - r.Start }

// SatRangeLen is the packed on-disk width of a single range: 51 bits for
// the start and 37 bits for the length, little-endian across 11 bytes. 51
// bits cover the ~2.1e15 total supply of satoshis; 37 bits cover any single
// range, which is at most one block's subsidy.
const SatRangeLen = 11

func packSatRange(r SatRange) []byte {
	buf := make([]byte, SatRangeLen)
	length := r.Len()
	binary.LittleEndian.PutUint64(buf[0:8], r.Start|length<<51)
	rest := length >> 13
	buf[8], buf[9], buf[10] = byte(rest), byte(rest>>8), byte(rest>>16)
	return buf
}

func unpackSatRange(b []byte) SatRange {
	lo := binary.LittleEndian.Uint64(b[0:8])
	start := lo & (1<<51 - 1)
	length := lo>>51 | (uint64(b[8])|uint64(b[9])<<8|uint64(b[10])<<16)<<13
	return SatRange{Start: start, End: start + length}
}

// PackSatRanges concatenates ranges into their on-disk representation.
func PackSatRanges(ranges []SatRange) []byte {
	buf := make([]byte, 0, len(ranges)*SatRangeLen)
	for _, r := range ranges {
		buf = append(buf, packSatRange(r)...)
	}
	return buf
}

// UnpackSatRanges splits a stored byte blob back into its ranges.
func UnpackSatRanges(b []byte) []SatRange {
	n := len(b) / SatRangeLen
	ranges := make([]SatRange, n)
	for i := 0; i < n; i++ {
		ranges[i] = unpackSatRange(b[i*SatRangeLen : (i+1)*SatRangeLen])
	}
	return ranges
}

func putUint40(b []byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(b, tmp[3:8])
}

func getUint40(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[3:8], b)
	return binary.BigEndian.Uint64(tmp[:])
}

func putUint48(b []byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(b, tmp[2:8])
}

func getUint48(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[2:8], b)
	return binary.BigEndian.Uint64(tmp[:])
}

// InscriptionId identifies an inscription by the transaction that revealed
// it and the envelope index within that transaction's inputs.
type InscriptionId struct {
	Txid  chainhash.Hash
	Index uint32
}

const InscriptionIdLen = chainhash.HashSize + 4

// Bytes returns the fixed-width 36-byte key encoding.
func (id InscriptionId) Bytes() []byte {
	buf := make([]byte, InscriptionIdLen)
	copy(buf, id.Txid[:])
	binary.BigEndian.PutUint32(buf[chainhash.HashSize:], id.Index)
	return buf
}

// InscriptionIdFromBytes decodes the fixed-width encoding.
func InscriptionIdFromBytes(b []byte) (InscriptionId, error) {
	if len(b) != InscriptionIdLen {
		return InscriptionId{}, fmt.Errorf("inscription id: want %d bytes, got %d", InscriptionIdLen, len(b))
	}
	var id InscriptionId
	copy(id.Txid[:], b[:chainhash.HashSize])
	id.Index = binary.BigEndian.Uint32(b[chainhash.HashSize:])
	return id, nil
}

func (id InscriptionId) String() string {
	return fmt.Sprintf("%si%d", id.Txid, id.Index)
}

// Inscription is the decoded payload of a witness envelope.
type Inscription struct {
	ContentType []byte
	Body        []byte
	Metadata    []byte
	Parent      *InscriptionId
}

// InscriptionEntry is the persisted metadata attached to an inscription id
// (§3 InscriptionEntry).
type InscriptionEntry struct {
	Number    int64
	Sat       *uint64
	Fee       uint64
	Height    uint32
	Timestamp int64
	Parent    *InscriptionId
}

// BlockData is one fetched block paired with its pre-computed txids, as
// produced by the block source (C1) and consumed by the driver.
type BlockData struct {
	Height    uint32
	Header    wire.BlockHeader
	Hash      chainhash.Hash
	Txs       []TxWithId
	HasTxData bool
}

// TxWithId bundles a transaction with its precomputed txid to avoid
// rehashing throughout the pipeline.
type TxWithId struct {
	Tx   *wire.MsgTx
	Txid chainhash.Hash
}

// Action tags what happened to an inscription in a given transaction.
type Action int

const (
	ActionNew Action = iota
	ActionTransfer
)

// InscriptionOp is one entry in the operation stream C4 produces and C5
// consumes (§4.4).
type InscriptionOp struct {
	Txid              chainhash.Hash
	InscriptionId     InscriptionId
	InscriptionNumber int64
	OldSatpoint       *Satpoint
	NewSatpoint       *Satpoint
	Action            Action
	Inscription       *Inscription // set only when Action == ActionNew
}
