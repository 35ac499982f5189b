// Package chaincode is the typed client of the vehicle chaincode. It turns
// domain calls into ledger requests with the argument layout the chaincode
// expects, and decodes the responses into domain records.
package chaincode

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"vehicles.ledger/vtrack/internal/config"
	"vehicles.ledger/vtrack/internal/identity"
	"vehicles.ledger/vtrack/internal/ledger"
	"vehicles.ledger/vtrack/internal/types"
)

// ErrNotInstantiated is returned by CheckInstantiated when the self test does
// not come back with a number.
var ErrNotInstantiated = errors.New("chaincode not found")

const (
	ownerIDLength = 19
	randAlphabet  = "abcdefghijkmnpqrstuvwxyz0123456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// Library binds a gateway to the current config and identity. Both sources
// are read on every call so re-enrollment and config changes apply without
// rebuilding the library.
type Library struct {
	log      *slog.Logger
	gateway  ledger.Gateway
	config   func() *config.Config
	identity func() *identity.Identity
}

// New creates a Library.
func New(log *slog.Logger, gw ledger.Gateway, cfg func() *config.Config, id func() *identity.Identity) *Library {
	return &Library{log: log, gateway: gw, config: cfg, identity: id}
}

func (l *Library) request(function string, args ...string) ledger.Request {
	cfg := l.config()
	var peers []string
	if url := cfg.FirstPeerURL(); url != "" {
		peers = []string{url}
	}
	return ledger.Request{
		Channel:          cfg.ChannelID,
		ChaincodeID:      cfg.ChaincodeID,
		ChaincodeVersion: cfg.ChaincodeVersion,
		PeerURLs:         peers,
		Function:         function,
		Args:             args,
	}
}

func (l *Library) query(ctx context.Context, function string, args ...string) (*ledger.Response, error) {
	return l.gateway.Query(ctx, l.identity(), l.request(function, args...))
}

func (l *Library) invoke(ctx context.Context, hooks ledger.Hooks, function string, args ...string) (*ledger.Response, error) {
	return l.gateway.Invoke(ctx, l.identity(), l.request(function, args...), hooks)
}

func decode[T any](resp *ledger.Response, what string) (*T, error) {
	var out T
	if len(resp.Payload) == 0 {
		return nil, fmt.Errorf("empty %s response", what)
	}
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return &out, nil
}

// CheckInstantiated runs the chaincode self test.
func (l *Library) CheckInstantiated(ctx context.Context) error {
	l.log.Info("Checking for chaincode...")
	resp, err := l.query(ctx, "read", "selftest")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotInstantiated, err)
	}
	switch v := resp.Parsed.(type) {
	case float64:
		return nil
	case string:
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return nil
		}
	}
	return ErrNotInstantiated
}

// ReadEverything returns every owner, vehicle and part on the ledger.
func (l *Library) ReadEverything(ctx context.Context) (*types.Everything, error) {
	resp, err := l.query(ctx, "read_everything")
	if err != nil {
		return nil, err
	}
	return decode[types.Everything](resp, "read_everything")
}

// OwnerName is the key an owner is known by: lower-cased username and company.
func OwnerName(username, company string) string {
	return strings.ToLower(username) + "." + company
}

// NewOwnerID builds an owner id: "o" followed by the current time in
// milliseconds and a short random suffix, left padded with zeros.
func NewOwnerID(now time.Time) string {
	suffix := strconv.FormatInt(now.UnixMilli(), 10) + randString(5)
	if len(suffix) < ownerIDLength {
		suffix = strings.Repeat("0", ownerIDLength-len(suffix)) + suffix
	}
	return "o" + suffix
}

func randString(n int) string {
	var b strings.Builder
	limit := big.NewInt(int64(len(randAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			idx = big.NewInt(int64(time.Now().UnixNano() % int64(len(randAlphabet))))
		}
		b.WriteByte(randAlphabet[idx.Int64()])
	}
	return b.String()
}

// RegisterOwner creates an owner record and returns its id.
func (l *Library) RegisterOwner(ctx context.Context, username, company string, hooks ledger.Hooks) (string, error) {
	l.log.Info("Creating an owner...", "username", username, "company", company)
	id := NewOwnerID(time.Now())
	_, err := l.invoke(ctx, hooks, "init_owner", id, username, company)
	return id, err
}

// CreateVehicle creates a vehicle on behalf of user.
func (l *Library) CreateVehicle(ctx context.Context, v *types.VehicleInput, user string, hooks ledger.Hooks) (*ledger.Response, error) {
	l.log.Info("Creating Vehicle...", "chassis_number", v.ChassisNumber)
	return l.invoke(ctx, hooks, "createVehicle",
		v.Make, v.ChassisNumber, v.Vin, user, v.Variant, v.Engine, v.GearBox, v.Color, v.Image)
}

// UpdateVehicle records a change of owner, dealer, warranty, parts or service.
func (l *Library) UpdateVehicle(ctx context.Context, v *types.VehicleInput, user string, hooks ledger.Hooks) (*ledger.Response, error) {
	l.log.Info("Updating Vehicle...", "vehicle_id", v.VehicleID)
	var owner, dealer types.Contact
	if v.Owner != nil {
		owner = *v.Owner
	}
	if v.Dealer != nil {
		dealer = *v.Dealer
	}
	return l.invoke(ctx, hooks, "updateVehicle",
		v.VehicleID,
		v.TType,
		owner.Name, owner.PhoneNumber, owner.Email,
		dealer.Name, dealer.PhoneNumber, dealer.Email,
		v.LicensePlateNumber,
		v.DateofDelivery,
		v.WarrantyStartDate,
		v.WarrantyEndDate,
		user,
		v.Parts,
		v.ServiceDone,
		v.ServiceDescription,
	)
}

// CreatePart creates a part on behalf of user.
func (l *Library) CreatePart(ctx context.Context, p *types.PartInput, user string, hooks ledger.Hooks) (*ledger.Response, error) {
	l.log.Info("Creating Part...", "part_id", p.PartID)
	return l.invoke(ctx, hooks, "createPart", p.PartID, p.ProductCode, p.DateOfManufacture, user)
}

// UpdatePart appends a delivery or installation record to a part.
func (l *Library) UpdatePart(ctx context.Context, p *types.PartInput, user string, hooks ledger.Hooks) (*ledger.Response, error) {
	l.log.Info("Updating Part...", "part_id", p.PartID)
	return l.invoke(ctx, hooks, "updatePart",
		p.PartID, p.VehicleID, p.DateOfDelivery, p.DateOfInstallation, user,
		p.WarrantyStartDate, p.WarrantyEndDate, p.TranType)
}

// GetVehicle fetches a vehicle by id.
func (l *Library) GetVehicle(ctx context.Context, vehicleID string) (*types.Vehicle, error) {
	resp, err := l.query(ctx, "getVehicle", vehicleID)
	if err != nil {
		return nil, err
	}
	return decode[types.Vehicle](resp, "vehicle")
}

// GetVehicleByChassisNumber fetches a vehicle by chassis number.
func (l *Library) GetVehicleByChassisNumber(ctx context.Context, chassisNumber string) (*types.Vehicle, error) {
	resp, err := l.query(ctx, "getVehicleByChassisNumber", chassisNumber)
	if err != nil {
		return nil, err
	}
	return decode[types.Vehicle](resp, "vehicle")
}

// GetAllVehicles lists vehicles; a non-empty owner narrows the list to that
// customer's vehicles.
func (l *Library) GetAllVehicles(ctx context.Context, owner string) ([]types.Vehicle, error) {
	resp, err := l.query(ctx, "getAllVehicles", owner)
	if err != nil {
		return nil, err
	}
	out, err := decode[struct {
		Vehicles []types.Vehicle `json:"vehicles"`
	}](resp, "vehicles")
	if err != nil {
		return nil, err
	}
	return out.Vehicles, nil
}

// GetPart fetches a part by id.
func (l *Library) GetPart(ctx context.Context, partID string) (*types.Part, error) {
	resp, err := l.query(ctx, "getPart", partID)
	if err != nil {
		return nil, err
	}
	return decode[types.Part](resp, "part")
}

// GetAllParts lists every part.
func (l *Library) GetAllParts(ctx context.Context) ([]types.Part, error) {
	resp, err := l.query(ctx, "getAllParts", "")
	if err != nil {
		return nil, err
	}
	out, err := decode[struct {
		Parts []types.Part `json:"parts"`
	}](resp, "parts")
	if err != nil {
		return nil, err
	}
	return out.Parts, nil
}

// ChannelStats returns the channel height.
func (l *Library) ChannelStats(ctx context.Context) (uint64, error) {
	return l.gateway.ChannelHeight(ctx, l.identity())
}

// QueryBlock returns the stats of one block.
func (l *Library) QueryBlock(ctx context.Context, number uint64) (*types.BlockStats, error) {
	return l.gateway.Block(ctx, l.identity(), number)
}
