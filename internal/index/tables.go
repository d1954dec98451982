package index

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/klingon-exchange/ord-index/internal/model"
)

// Tables is a per-transaction aggregate of bucket handles, built once when a
// transaction opens and discarded at commit (§9). Nothing outside a single
// Store.Update/View call may retain one: bbolt bucket handles are only valid
// for the lifetime of the transaction that produced them.
type Tables struct {
	tx *bbolt.Tx

	heightToBlockHash     *bbolt.Bucket
	blockHashToHeight     *bbolt.Bucket
	outpointToValue       *bbolt.Bucket
	outpointToScript      *bbolt.Bucket
	outpointToSatRanges   *bbolt.Bucket
	addressToOutpoints    *bbolt.Bucket
	satToSatpoint         *bbolt.Bucket
	inscriptionIdToEntry  *bbolt.Bucket
	inscriptionNumToId    *bbolt.Bucket
	inscriptionToSatpoint *bbolt.Bucket
	satpointToInscription *bbolt.Bucket
	statisticToCount      *bbolt.Bucket
}

func newTables(tx *bbolt.Tx) *Tables {
	return &Tables{
		tx:                    tx,
		heightToBlockHash:     tx.Bucket(bucketHeightToBlockHash),
		blockHashToHeight:     tx.Bucket(bucketBlockHashToHeight),
		outpointToValue:       tx.Bucket(bucketOutpointToValue),
		outpointToScript:      tx.Bucket(bucketOutpointToScript),
		outpointToSatRanges:   tx.Bucket(bucketOutpointToSatRanges),
		addressToOutpoints:    tx.Bucket(bucketAddressToOutpoints),
		satToSatpoint:         tx.Bucket(bucketSatToSatpoint),
		inscriptionIdToEntry:  tx.Bucket(bucketInscriptionIdToEntry),
		inscriptionNumToId:    tx.Bucket(bucketInscriptionNumToId),
		inscriptionToSatpoint: tx.Bucket(bucketInscriptionToSatpoint),
		satpointToInscription: tx.Bucket(bucketSatpointToInscription),
		statisticToCount:      tx.Bucket(bucketStatisticToCount),
	}
}

// Tx exposes the underlying transaction so the BIT-20 overlay (C5) can open
// its own buckets against the same write transaction without this package
// importing it.
func (t *Tables) Tx() *bbolt.Tx { return t.tx }

// ----------------------------------------------------------------------------
// height_to_block_hash / block_hash_to_height
// ----------------------------------------------------------------------------

// PutBlockHash records the block hash for height and the reverse mapping.
func (t *Tables) PutBlockHash(height uint32, hash [32]byte) error {
	if err := t.heightToBlockHash.Put(heightKey(height), hash[:]); err != nil {
		return err
	}
	return t.blockHashToHeight.Put(hash[:], heightKey(height))
}

// DeleteBlockHash removes the mapping for height, used when rolling back a
// reorganized tip (C6).
func (t *Tables) DeleteBlockHash(height uint32) error {
	v := t.heightToBlockHash.Get(heightKey(height))
	if v != nil {
		var hash [32]byte
		copy(hash[:], v)
		if err := t.blockHashToHeight.Delete(hash[:]); err != nil {
			return err
		}
	}
	return t.heightToBlockHash.Delete(heightKey(height))
}

// HeightForBlockHash looks up the height a block hash was indexed at.
func (t *Tables) HeightForBlockHash(hash [32]byte) (uint32, bool) {
	v := t.blockHashToHeight.Get(hash[:])
	if v == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// ----------------------------------------------------------------------------
// outpoint_to_value / outpoint_to_sat_ranges
// ----------------------------------------------------------------------------

// PutValue records the coin value of an output in satoshis.
func (t *Tables) PutValue(op model.Outpoint, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return t.outpointToValue.Put(op.Bytes(), buf)
}

// Value returns the coin value of an output, if known.
func (t *Tables) Value(op model.Outpoint) (uint64, bool) {
	v := t.outpointToValue.Get(op.Bytes())
	if v == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// DeleteValue removes a spent output's cached value; it is no longer needed
// once every range threaded through it has been recorded downstream.
func (t *Tables) DeleteValue(op model.Outpoint) error {
	return t.outpointToValue.Delete(op.Bytes())
}

// PutScript records the scriptPubKey that pays op, kept indefinitely (unlike
// PutValue) since the BIT-20 overlay must still resolve the owner of an
// inscription's satpoint long after the output it sits in was spent.
func (t *Tables) PutScript(op model.Outpoint, script []byte) error {
	return t.outpointToScript.Put(op.Bytes(), script)
}

// Script returns the scriptPubKey paying op, if recorded.
func (t *Tables) Script(op model.Outpoint) ([]byte, bool) {
	v := t.outpointToScript.Get(op.Bytes())
	if v == nil {
		return nil, false
	}
	return append([]byte{}, v...), true
}

// PutSatRanges stores the sat ranges composing an unspent output.
func (t *Tables) PutSatRanges(op model.Outpoint, ranges []model.SatRange) error {
	return t.outpointToSatRanges.Put(op.Bytes(), model.PackSatRanges(ranges))
}

// SatRanges returns the sat ranges composing op, if tracked.
func (t *Tables) SatRanges(op model.Outpoint) ([]model.SatRange, bool) {
	v := t.outpointToSatRanges.Get(op.Bytes())
	if v == nil {
		return nil, false
	}
	return model.UnpackSatRanges(v), true
}

// DeleteSatRanges removes a spent output's range list once its sats have
// been threaded to the spending transaction's outputs.
func (t *Tables) DeleteSatRanges(op model.Outpoint) error {
	return t.outpointToSatRanges.Delete(op.Bytes())
}

// ----------------------------------------------------------------------------
// address_to_outpoints
// ----------------------------------------------------------------------------

// AddAddressOutpoint indexes op under the scriptPubKey that pays it, keyed
// as script||outpoint so a bucket scan over the script prefix lists every
// outpoint paid to that address.
func (t *Tables) AddAddressOutpoint(script []byte, op model.Outpoint) error {
	key := append(append([]byte{}, script...), op.Bytes()...)
	return t.addressToOutpoints.Put(key, []byte{1})
}

// RemoveAddressOutpoint undoes AddAddressOutpoint when op is spent.
func (t *Tables) RemoveAddressOutpoint(script []byte, op model.Outpoint) error {
	key := append(append([]byte{}, script...), op.Bytes()...)
	return t.addressToOutpoints.Delete(key)
}

// OutpointsForScript lists every outpoint currently paid to script.
func (t *Tables) OutpointsForScript(script []byte) ([]model.Outpoint, error) {
	var ops []model.Outpoint
	c := t.addressToOutpoints.Cursor()
	for k, _ := c.Seek(script); k != nil && hasPrefix(k, script); k, _ = c.Next() {
		op, err := model.OutpointFromBytes(k[len(script):])
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// ----------------------------------------------------------------------------
// sat_to_satpoint — only populated for sats that are "uncommon" or otherwise
// independently interesting; every sat is not densely populated.
// ----------------------------------------------------------------------------

// PutSatLocation records where an individually-tracked sat currently sits.
func (t *Tables) PutSatLocation(sat uint64, sp model.Satpoint) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sat)
	return t.satToSatpoint.Put(buf, sp.Bytes())
}

// SatLocation returns the satpoint currently holding sat, if tracked.
func (t *Tables) SatLocation(sat uint64) (model.Satpoint, bool, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sat)
	v := t.satToSatpoint.Get(buf)
	if v == nil {
		return model.Satpoint{}, false, nil
	}
	sp, err := model.SatpointFromBytes(v)
	if err != nil {
		return model.Satpoint{}, false, err
	}
	return sp, true, nil
}

// ----------------------------------------------------------------------------
// inscription_id_to_entry / inscription_number_to_id
// ----------------------------------------------------------------------------

// PutInscriptionEntry stores e under id and indexes it by sequence number.
func (t *Tables) PutInscriptionEntry(id model.InscriptionId, e model.InscriptionEntry) error {
	buf, err := encodeInscriptionEntry(e)
	if err != nil {
		return err
	}
	if err := t.inscriptionIdToEntry.Put(id.Bytes(), buf); err != nil {
		return err
	}
	return t.inscriptionNumToId.Put(numberKey(e.Number), id.Bytes())
}

// InscriptionEntry looks up the stored entry for id.
func (t *Tables) InscriptionEntry(id model.InscriptionId) (model.InscriptionEntry, bool, error) {
	v := t.inscriptionIdToEntry.Get(id.Bytes())
	if v == nil {
		return model.InscriptionEntry{}, false, nil
	}
	e, err := decodeInscriptionEntry(v)
	return e, true, err
}

// InscriptionIdAtNumber resolves a sequence number back to an inscription id.
func (t *Tables) InscriptionIdAtNumber(number int64) (model.InscriptionId, bool, error) {
	v := t.inscriptionNumToId.Get(numberKey(number))
	if v == nil {
		return model.InscriptionId{}, false, nil
	}
	id, err := model.InscriptionIdFromBytes(v)
	return id, true, err
}

func numberKey(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// ----------------------------------------------------------------------------
// inscription_id_to_satpoint / satpoint_to_inscription_id
// ----------------------------------------------------------------------------

// PutInscriptionLocation records where id currently sits, replacing any
// prior location so that the reverse index never has two satpoints pointing
// at the same inscription.
func (t *Tables) PutInscriptionLocation(id model.InscriptionId, sp model.Satpoint) error {
	if old, ok, err := t.InscriptionLocation(id); err != nil {
		return err
	} else if ok {
		if err := t.satpointToInscription.Delete(old.Bytes()); err != nil {
			return err
		}
	}
	if err := t.inscriptionToSatpoint.Put(id.Bytes(), sp.Bytes()); err != nil {
		return err
	}
	return t.satpointToInscription.Put(sp.Bytes(), id.Bytes())
}

// InscriptionLocation returns the satpoint currently holding id.
func (t *Tables) InscriptionLocation(id model.InscriptionId) (model.Satpoint, bool, error) {
	v := t.inscriptionToSatpoint.Get(id.Bytes())
	if v == nil {
		return model.Satpoint{}, false, nil
	}
	sp, err := model.SatpointFromBytes(v)
	return sp, true, err
}

// InscriptionAtSatpoint resolves a satpoint back to the inscription sitting
// there, if any.
func (t *Tables) InscriptionAtSatpoint(sp model.Satpoint) (model.InscriptionId, bool, error) {
	v := t.satpointToInscription.Get(sp.Bytes())
	if v == nil {
		return model.InscriptionId{}, false, nil
	}
	id, err := model.InscriptionIdFromBytes(v)
	return id, true, err
}

// InscriptionsInOutpoint lists every inscription currently located
// somewhere within op, regardless of offset: the satpoint_to_inscription_id
// key is op.Bytes() followed by the offset, so a prefix scan over op's
// encoding finds all of them. Used when an input is spent to find whatever
// inscriptions rode along with it.
func (t *Tables) InscriptionsInOutpoint(op model.Outpoint) ([]model.Satpoint, []model.InscriptionId, error) {
	prefix := op.Bytes()
	var sps []model.Satpoint
	var ids []model.InscriptionId
	c := t.satpointToInscription.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		sp, err := model.SatpointFromBytes(k)
		if err != nil {
			return nil, nil, err
		}
		id, err := model.InscriptionIdFromBytes(v)
		if err != nil {
			return nil, nil, err
		}
		sps = append(sps, sp)
		ids = append(ids, id)
	}
	return sps, ids, nil
}

// ----------------------------------------------------------------------------
// statistic_to_count
// ----------------------------------------------------------------------------

// IncrementStatistic adds delta to the named running counter and returns the
// new total.
func (t *Tables) IncrementStatistic(stat Statistic, delta uint64) (uint64, error) {
	key := []byte{byte(stat)}
	current := uint64(0)
	if v := t.statisticToCount.Get(key); v != nil {
		current = binary.BigEndian.Uint64(v)
	}
	current += delta
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current)
	return current, t.statisticToCount.Put(key, buf)
}

// Statistic returns the current value of the named running counter.
func (t *Tables) Statistic(stat Statistic) uint64 {
	v := t.statisticToCount.Get([]byte{byte(stat)})
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// ----------------------------------------------------------------------------
// InscriptionEntry encoding — fixed-layout binary, not gob/json, to keep
// entries compact and dependency-free: optional fields are prefixed with a
// presence byte.
// ----------------------------------------------------------------------------

func encodeInscriptionEntry(e model.InscriptionEntry) ([]byte, error) {
	buf := make([]byte, 0, 64)
	tmp8 := make([]byte, 8)

	binary.BigEndian.PutUint64(tmp8, uint64(e.Number))
	buf = append(buf, tmp8...)

	if e.Sat != nil {
		buf = append(buf, 1)
		binary.BigEndian.PutUint64(tmp8, *e.Sat)
		buf = append(buf, tmp8...)
	} else {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint64(tmp8, e.Fee)
	buf = append(buf, tmp8...)

	tmp4 := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp4, e.Height)
	buf = append(buf, tmp4...)

	binary.BigEndian.PutUint64(tmp8, uint64(e.Timestamp))
	buf = append(buf, tmp8...)

	if e.Parent != nil {
		buf = append(buf, 1)
		buf = append(buf, e.Parent.Bytes()...)
	} else {
		buf = append(buf, 0)
	}

	return buf, nil
}

func decodeInscriptionEntry(b []byte) (model.InscriptionEntry, error) {
	var e model.InscriptionEntry
	r := b

	if len(r) < 8 {
		return e, fmt.Errorf("inscription entry: truncated number")
	}
	e.Number = int64(binary.BigEndian.Uint64(r[:8]))
	r = r[8:]

	if len(r) < 1 {
		return e, fmt.Errorf("inscription entry: truncated sat flag")
	}
	hasSat := r[0] == 1
	r = r[1:]
	if hasSat {
		if len(r) < 8 {
			return e, fmt.Errorf("inscription entry: truncated sat")
		}
		sat := binary.BigEndian.Uint64(r[:8])
		e.Sat = &sat
		r = r[8:]
	}

	if len(r) < 8 {
		return e, fmt.Errorf("inscription entry: truncated fee")
	}
	e.Fee = binary.BigEndian.Uint64(r[:8])
	r = r[8:]

	if len(r) < 4 {
		return e, fmt.Errorf("inscription entry: truncated height")
	}
	e.Height = binary.BigEndian.Uint32(r[:4])
	r = r[4:]

	if len(r) < 8 {
		return e, fmt.Errorf("inscription entry: truncated timestamp")
	}
	e.Timestamp = int64(binary.BigEndian.Uint64(r[:8]))
	r = r[8:]

	if len(r) < 1 {
		return e, fmt.Errorf("inscription entry: truncated parent flag")
	}
	hasParent := r[0] == 1
	r = r[1:]
	if hasParent {
		if len(r) < model.InscriptionIdLen {
			return e, fmt.Errorf("inscription entry: truncated parent")
		}
		parent, err := model.InscriptionIdFromBytes(r[:model.InscriptionIdLen])
		if err != nil {
			return e, err
		}
		e.Parent = &parent
	}

	return e, nil
}
