package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicles.ledger/vtrack/internal/logger"
)

// fakeNode answers the handful of JSON-RPC methods the gateway uses.
type fakeNode struct {
	mu        sync.Mutex
	txPolls   int
	includeAt int
	checkCode uint32
	txs       [][]byte
	methods   []string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.methods = append(n.methods, req.Method)

	reply := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}
	replyErr := func(msg string) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32603, "message": "Internal error", "data": msg}})
	}

	switch req.Method {
	case "abci_query":
		reply(map[string]any{"response": map[string]any{"code": 0, "value": base64.StdEncoding.EncodeToString([]byte("42"))}})
	case "broadcast_tx_sync":
		var p struct {
			Tx string `json:"tx"`
		}
		_ = json.Unmarshal(req.Params, &p)
		raw, _ := base64.StdEncoding.DecodeString(p.Tx)
		n.txs = append(n.txs, raw)
		reply(map[string]any{"code": n.checkCode, "log": "rejected", "hash": "ABCDEF"})
	case "tx":
		n.txPolls++
		if n.txPolls < n.includeAt {
			replyErr("tx (ABCDEF) not found")
			return
		}
		reply(map[string]any{"hash": "ABCDEF", "height": "5", "tx_result": map[string]any{"code": 0}})
	case "status":
		reply(map[string]any{"sync_info": map[string]any{"latest_block_height": "5"}})
	case "block":
		txs := make([]string, 0, len(n.txs))
		for _, tx := range n.txs {
			txs = append(txs, base64.StdEncoding.EncodeToString(tx))
		}
		reply(map[string]any{"block": map[string]any{
			"header": map[string]any{"height": "5", "time": "2017-06-01T10:00:00Z", "data_hash": "DH"},
			"data":   map[string]any{"txs": txs},
		}})
	default:
		replyErr("unknown method")
	}
}

func (n *fakeNode) polls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.txPolls
}

func (n *fakeNode) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.methods...)
}

func newTestRPC(t *testing.T, node *fakeNode) *RPCGateway {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return NewRPCGateway(logger.Discard(), srv.URL, RPCOptions{PollInterval: time.Millisecond, CommitTimeout: time.Second})
}

func TestRPCQuery(t *testing.T) {
	g := newTestRPC(t, &fakeNode{})
	resp, err := g.Query(context.Background(), testIdentity(t), call("read", "selftest"))
	require.NoError(t, err)
	assert.Equal(t, float64(42), resp.Parsed)
}

func TestRPCInvokePollsUntilIncluded(t *testing.T) {
	node := &fakeNode{includeAt: 3}
	g := newTestRPC(t, node)

	var events []string
	resp, err := g.Invoke(context.Background(), testIdentity(t), call("createPart", "p1", "c", "d", "u"), Hooks{
		OnEndorsed: func(err error) { require.NoError(t, err); events = append(events, "endorsed") },
		OnOrdered:  func(err error) { require.NoError(t, err); events = append(events, "ordered") },
	})
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", resp.TxID)
	assert.Equal(t, []string{"endorsed", "ordered"}, events)
	assert.Equal(t, 3, node.polls())

	block, err := g.Block(context.Background(), testIdentity(t), 5)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, "createPart", block.Transactions[0].Function)
	assert.Equal(t, int64(1496311200), block.Transactions[0].Timestamp.Seconds)
}

func TestRPCInvokeRejected(t *testing.T) {
	node := &fakeNode{checkCode: 1}
	g := newTestRPC(t, node)

	ordered := false
	_, err := g.Invoke(context.Background(), testIdentity(t), call("createPart", "p1"), Hooks{
		OnEndorsed: func(err error) { assert.Error(t, err) },
		OnOrdered:  func(error) { ordered = true },
	})
	require.ErrorIs(t, err, ErrEndorsement)
	assert.False(t, ordered)
	assert.NotContains(t, node.calls(), "tx")
}

func TestRPCChannelHeight(t *testing.T) {
	g := newTestRPC(t, &fakeNode{})
	height, err := g.ChannelHeight(context.Background(), testIdentity(t))
	require.NoError(t, err)
	// newest block is 5; height counts blocks like the memory ledger
	assert.EqualValues(t, 6, height)

	_, err = g.ChannelHeight(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestRPCFollowsRequestPeer(t *testing.T) {
	startup := &fakeNode{}
	g := newTestRPC(t, startup)

	moved := &fakeNode{includeAt: 1}
	srv := httptest.NewServer(moved)
	t.Cleanup(srv.Close)

	req := call("read", "selftest")
	req.PeerURLs = []string{srv.URL}
	_, err := g.Query(context.Background(), testIdentity(t), req)
	require.NoError(t, err)

	req = call("createPart", "p1", "c", "d", "u")
	req.PeerURLs = []string{"", srv.URL}
	_, err = g.Invoke(context.Background(), testIdentity(t), req, Hooks{})
	require.NoError(t, err)

	_, err = g.ChannelHeight(context.Background(), testIdentity(t))
	require.NoError(t, err)

	assert.Empty(t, startup.calls())
	assert.Equal(t, []string{"abci_query", "broadcast_tx_sync", "tx", "status"}, moved.calls())
}

func TestRPCFallsBackToNodeAddress(t *testing.T) {
	node := &fakeNode{}
	g := newTestRPC(t, node)

	_, err := g.Query(context.Background(), testIdentity(t), call("read", "selftest"))
	require.NoError(t, err)
	assert.Equal(t, []string{"abci_query"}, node.calls())
}
