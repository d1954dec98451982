// Package rpcclient is a minimal Bitcoin Core JSON-RPC client: the external
// node collaborator the indexer core consumes. It exposes exactly the five
// calls the block source and value prefetcher need, decoded into btcd wire
// types rather than loosely-typed JSON, since the core threads real
// transaction structure (inputs, outputs, witness) through its pipeline.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
)

// Client is the node RPC surface consumed by the indexer core (spec §6).
type Client interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)
}

// Bitcoind is a JSON-RPC client against a Bitcoin Core style node.
type Bitcoind struct {
	url        string
	user, pass string
	httpClient *http.Client
}

// New creates a client for the node at url, authenticated with user/pass.
func New(url, user, pass string) *Bitcoind {
	return &Bitcoind{
		url:  url,
		user: user,
		pass: pass,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// GetBlockCount returns the remote chain tip height.
func (b *Bitcoind) GetBlockCount(ctx context.Context) (int64, error) {
	result, err := b.call(ctx, "getblockcount", []interface{}{})
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockHash returns the hash of the block at height, or nil if height is
// beyond the remote tip.
func (b *Bitcoind) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	result, err := b.call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		if isHeightOutOfRange(err) {
			return nil, nil
		}
		return nil, err
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(s)
}

// GetBlockHeader returns the decoded header for hash.
func (b *Bitcoind) GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error) {
	result, err := b.call(ctx, "getblockheader", []interface{}{hash.String(), false})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode block header: %w", err)
	}
	return &header, nil
}

// GetBlock returns the full block at hash, including transactions. Below
// the node's own pruning or serialization limits this may omit witness
// data for historical reasons; callers gate inscription indexing by height,
// not by what this call happens to return.
func (b *Bitcoind) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	result, err := b.call(ctx, "getblock", []interface{}{hash.String(), 0})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &block, nil
}

// GetRawTransaction returns the decoded transaction for txid. This is the
// call the value prefetcher (C2) fans out in parallel.
func (b *Bitcoind) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	result, err := b.call(ctx, "getrawtransaction", []interface{}{txid.String(), 0})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", txid, err)
	}
	return &tx, nil
}

func (b *Bitcoind) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      uuid.New().String(),
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.user != "" {
		req.SetBasicAuth(b.user, b.pass)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode RPC response: %w", err)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// heightOutOfRangeCode is Bitcoin Core's error code for getblockhash past
// the current tip (RPC_INVALID_PARAMETER).
const heightOutOfRangeCode = -8

func isHeightOutOfRange(err error) bool {
	rpcErr, ok := err.(*rpcError)
	return ok && rpcErr.Code == heightOutOfRangeCode
}

var _ Client = (*Bitcoind)(nil)
