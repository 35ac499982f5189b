// Package ledger - JSON-RPC gateway
//
// This file talks to a ledger node over its JSON-RPC HTTP endpoint.
// Queries go through abci_query, invokes through broadcast_tx_sync followed
// by polling tx until the transaction is found in a block.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/atomic"

	"vehicles.ledger/vtrack/internal/identity"
	"vehicles.ledger/vtrack/internal/types"
)

// Proposal is the signed body of a ledger transaction.
type Proposal struct {
	Channel          string   `json:"channel"`
	ChaincodeID      string   `json:"chaincode_id"`
	ChaincodeVersion string   `json:"chaincode_version"`
	Function         string   `json:"function"`
	Args             []string `json:"args"`
	Creator          string   `json:"creator"`
	MSPID            string   `json:"msp_id"`
	Certificate      string   `json:"certificate"`
	Timestamp        int64    `json:"timestamp"`
}

// SignedProposal is what goes on the wire: the proposal bytes and an ed25519
// signature over them.
type SignedProposal struct {
	Proposal  json.RawMessage `json:"proposal"`
	Signature string          `json:"signature"`
}

// RPCOptions tune an RPCGateway. Zero values fall back to defaults.
type RPCOptions struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	CommitTimeout time.Duration
}

// RPCGateway is a Gateway backed by a node's JSON-RPC endpoint. Requests go
// to the first peer they name, falling back to rpcAddr. Height and block
// lookups, which carry no request, use the peer of the latest request.
type RPCGateway struct {
	rpcAddr string
	client  *http.Client
	log     *slog.Logger
	opts    RPCOptions

	peer atomic.String
}

// NewRPCGateway creates a gateway for the node at rpcAddr
// (e.g. "http://localhost:26657").
func NewRPCGateway(log *slog.Logger, rpcAddr string, opts RPCOptions) *RPCGateway {
	if rpcAddr == "" {
		rpcAddr = "http://localhost:26657"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 60 * time.Second
	}

	return &RPCGateway{
		rpcAddr: rpcAddr,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		log:  log,
		opts: opts,
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s (%s)", e.Code, e.Message, e.Data)
}

// endpoint picks the node for req and remembers it.
func (g *RPCGateway) endpoint(req Request) string {
	for _, url := range req.PeerURLs {
		if url != "" {
			if prev := g.peer.Swap(url); prev != url {
				g.log.Info("using ledger peer", "url", url)
			}
			return url
		}
	}
	return g.current()
}

// current is the peer of the latest request, or rpcAddr before any.
func (g *RPCGateway) current() string {
	if url := g.peer.Load(); url != "" {
		return url
	}
	return g.rpcAddr
}

// call performs one JSON-RPC request against addr and decodes its result
// into out.
func (g *RPCGateway) call(ctx context.Context, addr, method string, params any, out any) error {
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to build RPC request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// sign builds the signed transaction bytes and their id (hex sha256, upper
// case as the node reports it).
func sign(id *identity.Identity, req Request) ([]byte, string, error) {
	proposal, err := json.Marshal(Proposal{
		Channel:          req.Channel,
		ChaincodeID:      req.ChaincodeID,
		ChaincodeVersion: req.ChaincodeVersion,
		Function:         req.Function,
		Args:             req.Args,
		Creator:          id.PublicKeyHex(),
		MSPID:            id.MSPID(),
		Certificate:      string(id.CertificatePEM()),
		Timestamp:        time.Now().UnixNano(),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal proposal: %w", err)
	}

	tx, err := json.Marshal(SignedProposal{
		Proposal:  proposal,
		Signature: hex.EncodeToString(id.Sign(proposal)),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal signed proposal: %w", err)
	}
	sum := sha256.Sum256(tx)
	return tx, strings.ToUpper(hex.EncodeToString(sum[:])), nil
}

// Query evaluates a chaincode function without submitting a transaction.
func (g *RPCGateway) Query(ctx context.Context, id *identity.Identity, req Request) (*Response, error) {
	if id == nil {
		return nil, ErrNoIdentity
	}
	tx, _, err := sign(id, req)
	if err != nil {
		return nil, err
	}

	var result struct {
		Response struct {
			Code  uint32 `json:"code"`
			Log   string `json:"log"`
			Value []byte `json:"value"`
		} `json:"response"`
	}
	params := map[string]any{
		"path": "/chaincode/" + req.ChaincodeID + "/" + req.Function,
		"data": hex.EncodeToString(tx),
	}
	if err := g.call(ctx, g.endpoint(req), "abci_query", params, &result); err != nil {
		return nil, err
	}
	if result.Response.Code != 0 {
		return nil, fmt.Errorf("query %s failed with code %d: %s", req.Function, result.Response.Code, result.Response.Log)
	}
	return NewResponse(result.Response.Value, ""), nil
}

// Invoke submits a transaction. Acceptance by broadcast_tx_sync counts as
// endorsement; finding the transaction in a block counts as ordering; a zero
// result code from the block counts as commit.
func (g *RPCGateway) Invoke(ctx context.Context, id *identity.Identity, req Request, hooks Hooks) (*Response, error) {
	if id == nil {
		err := fmt.Errorf("%w: %w", ErrEndorsement, ErrNoIdentity)
		hooks.endorsed(err)
		return nil, err
	}
	tx, txID, err := sign(id, req)
	if err != nil {
		hooks.endorsed(err)
		return nil, err
	}
	addr := g.endpoint(req)

	// Tendermint-style RPC expects tx as a base64-encoded string
	var accepted struct {
		Code uint32 `json:"code"`
		Log  string `json:"log"`
		Hash string `json:"hash"`
	}
	err = g.call(ctx, addr, "broadcast_tx_sync", map[string]string{"tx": base64.StdEncoding.EncodeToString(tx)}, &accepted)
	if err == nil && accepted.Code != 0 {
		err = fmt.Errorf("transaction failed with code %d: %s", accepted.Code, accepted.Log)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrEndorsement, err)
		hooks.endorsed(err)
		return nil, err
	}
	hooks.endorsed(nil)
	if accepted.Hash != "" {
		txID = accepted.Hash
	}
	g.log.Debug("transaction accepted", "function", req.Function, "tx_id", txID)

	committed, err := g.waitForTx(ctx, addr, txID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrOrdering, err)
		hooks.ordered(err)
		return nil, err
	}
	hooks.ordered(nil)

	if committed.TxResult.Code != 0 {
		return nil, fmt.Errorf("transaction %s failed with code %d: %s", txID, committed.TxResult.Code, committed.TxResult.Log)
	}
	return NewResponse(committed.TxResult.Data, txID), nil
}

type txResult struct {
	Hash     string `json:"hash"`
	Height   string `json:"height"`
	TxResult struct {
		Code uint32 `json:"code"`
		Data []byte `json:"data"`
		Log  string `json:"log"`
	} `json:"tx_result"`
}

// waitForTx polls tx until the hash is found or the commit timeout expires.
func (g *RPCGateway) waitForTx(ctx context.Context, addr, txID string) (*txResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.CommitTimeout)
	defer cancel()

	hash, err := hex.DecodeString(txID)
	if err != nil {
		return nil, fmt.Errorf("bad transaction hash %q: %w", txID, err)
	}
	params := map[string]any{"hash": base64.StdEncoding.EncodeToString(hash)}

	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		var res txResult
		err := g.call(ctx, addr, "tx", params, &res)
		if err == nil {
			return &res, nil
		}
		var rerr *rpcError
		if !errors.As(err, &rerr) {
			return nil, err
		}
		// not found yet
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not included: %w", txID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ChannelHeight returns one past the newest block number, the same block
// count MemoryGateway reports.
func (g *RPCGateway) ChannelHeight(ctx context.Context, id *identity.Identity) (uint64, error) {
	if id == nil {
		return 0, ErrNoIdentity
	}
	var status struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	}
	if err := g.call(ctx, g.current(), "status", map[string]any{}, &status); err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(status.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad block height %q: %w", status.SyncInfo.LatestBlockHeight, err)
	}
	return height + 1, nil
}

// Block returns the stats of block number.
func (g *RPCGateway) Block(ctx context.Context, id *identity.Identity, number uint64) (*types.BlockStats, error) {
	if id == nil {
		return nil, ErrNoIdentity
	}
	var res struct {
		Block struct {
			Header struct {
				Height   string    `json:"height"`
				Time     time.Time `json:"time"`
				DataHash string    `json:"data_hash"`
			} `json:"header"`
			Data struct {
				Txs [][]byte `json:"txs"`
			} `json:"data"`
		} `json:"block"`
	}
	if err := g.call(ctx, g.current(), "block", map[string]string{"height": strconv.FormatUint(number, 10)}, &res); err != nil {
		return nil, err
	}

	stats := &types.BlockStats{
		Height:       number,
		DataHash:     res.Block.Header.DataHash,
		Transactions: make([]types.BlockTxDigest, 0, len(res.Block.Data.Txs)),
	}
	for _, raw := range res.Block.Data.Txs {
		sum := sha256.Sum256(raw)
		digest := types.BlockTxDigest{
			TxID:      strings.ToUpper(hex.EncodeToString(sum[:])),
			Timestamp: types.BlockTimestamp{Seconds: res.Block.Header.Time.Unix()},
		}
		var signed SignedProposal
		var proposal Proposal
		if json.Unmarshal(raw, &signed) == nil && json.Unmarshal(signed.Proposal, &proposal) == nil {
			digest.Function = proposal.Function
		}
		stats.Transactions = append(stats.Transactions, digest)
	}
	return stats, nil
}
