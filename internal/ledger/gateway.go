// Package ledger is the boundary to the permissioned ledger. Callers speak to
// it through Gateway: queries read chaincode state, invokes submit a
// transaction and report its progress through Hooks as it is endorsed and
// then ordered.
package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"vehicles.ledger/vtrack/internal/identity"
	"vehicles.ledger/vtrack/internal/types"
)

var (
	// ErrEndorsement reports an invoke rejected before it reached ordering.
	ErrEndorsement = errors.New("endorsement failed")
	// ErrOrdering reports an endorsed invoke that never made it into a block.
	ErrOrdering = errors.New("ordering failed")
	// ErrNoIdentity is returned when a call is made without an identity.
	ErrNoIdentity = errors.New("no enrolled identity")
)

// Request addresses one chaincode function.
type Request struct {
	Channel          string
	ChaincodeID      string
	ChaincodeVersion string
	PeerURLs         []string
	Function         string
	Args             []string
}

// Response is the result of a query or a committed invoke. Parsed holds the
// payload decoded as JSON, or the payload as a string when it is not JSON.
type Response struct {
	Payload []byte
	Parsed  any
	TxID    string
}

// Hooks observe invoke progress. OnEndorsed always fires before OnOrdered;
// OnOrdered does not fire if endorsement failed.
type Hooks struct {
	OnEndorsed func(err error)
	OnOrdered  func(err error)
}

func (h Hooks) endorsed(err error) {
	if h.OnEndorsed != nil {
		h.OnEndorsed(err)
	}
}

func (h Hooks) ordered(err error) {
	if h.OnOrdered != nil {
		h.OnOrdered(err)
	}
}

// Gateway is implemented by every ledger backend.
type Gateway interface {
	Query(ctx context.Context, id *identity.Identity, req Request) (*Response, error)
	Invoke(ctx context.Context, id *identity.Identity, req Request, hooks Hooks) (*Response, error)
	ChannelHeight(ctx context.Context, id *identity.Identity) (uint64, error)
	Block(ctx context.Context, id *identity.Identity, number uint64) (*types.BlockStats, error)
}

// NewResponse wraps a raw payload, filling Parsed.
func NewResponse(payload []byte, txID string) *Response {
	resp := &Response{Payload: payload, TxID: txID}
	if len(payload) == 0 {
		return resp
	}
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err == nil {
		resp.Parsed = parsed
	} else {
		resp.Parsed = string(payload)
	}
	return resp
}
