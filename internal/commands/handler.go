// Package commands answers the domain messages a logged-in browser sends:
// vehicle and part invokes, their queries, and chain statistics. Replies go
// to the sending connection only.
package commands

import (
	"context"
	"log/slog"

	"vehicles.ledger/vtrack/internal/hub"
	"vehicles.ledger/vtrack/internal/ledger"
	"vehicles.ledger/vtrack/internal/types"
)

// statsDepth is how many recent blocks a chainstats request returns.
const statsDepth = 8

// Library is the chaincode client the handler drives.
type Library interface {
	CreateVehicle(ctx context.Context, v *types.VehicleInput, user string, hooks ledger.Hooks) (*ledger.Response, error)
	UpdateVehicle(ctx context.Context, v *types.VehicleInput, user string, hooks ledger.Hooks) (*ledger.Response, error)
	CreatePart(ctx context.Context, p *types.PartInput, user string, hooks ledger.Hooks) (*ledger.Response, error)
	UpdatePart(ctx context.Context, p *types.PartInput, user string, hooks ledger.Hooks) (*ledger.Response, error)
	GetVehicle(ctx context.Context, vehicleID string) (*types.Vehicle, error)
	GetVehicleByChassisNumber(ctx context.Context, chassisNumber string) (*types.Vehicle, error)
	GetAllVehicles(ctx context.Context, owner string) ([]types.Vehicle, error)
	GetPart(ctx context.Context, partID string) (*types.Part, error)
	GetAllParts(ctx context.Context) ([]types.Part, error)
	ChannelStats(ctx context.Context) (uint64, error)
	QueryBlock(ctx context.Context, number uint64) (*types.BlockStats, error)
}

// Readiness reports whether startup finished.
type Readiness interface {
	Ready() bool
}

// Handler implements hub.CommandHandler.
type Handler struct {
	log   *slog.Logger
	lib   Library
	ready Readiness
}

// New creates a Handler.
func New(log *slog.Logger, lib Library, ready Readiness) *Handler {
	return &Handler{log: log, lib: lib, ready: ready}
}

// Handle runs one command on behalf of username.
func (h *Handler) Handle(ctx context.Context, sender hub.Sender, username string, env *types.Envelope) {
	if !h.ready.Ready() {
		h.log.Debug("dropping command, startup not finished", "type", env.Type, "user", username)
		return
	}
	log := h.log.With("type", env.Type, "user", username, "conn", sender.ID())
	send := func(msg types.Outbound) {
		if err := sender.Send(msg); err != nil {
			log.Debug("error ws", "msg", msg.Kind(), "err", err)
		}
	}

	switch env.Type {
	case types.TypeChainStats:
		h.chainStats(ctx, log, send)

	case types.TypeCreateVehicle, types.TypeUpdateVehicle, types.TypeCreatePart, types.TypeUpdatePart:
		send(h.invoke(ctx, log, send, username, env))

	case types.TypeGetVehicle:
		v, err := h.lib.GetVehicle(ctx, env.VehicleID)
		send(&types.VehicleDetail{Msg: "vehicle", Vehicle: v, Error: errString(err)})

	case types.TypeGetVehicleByChassisNumber:
		v, err := h.lib.GetVehicleByChassisNumber(ctx, env.ChassisNumber)
		send(&types.VehicleDetail{Msg: "vehicle", Vehicle: v, Error: errString(err)})

	case types.TypeGetCustomerVehicleDetails:
		v, err := h.lib.GetVehicle(ctx, env.VehicleID)
		send(&types.VehicleDetail{Msg: "customerVehicleDetails", Vehicle: v, Error: errString(err)})

	case types.TypeGetAllVehicles:
		vs, err := h.lib.GetAllVehicles(ctx, "")
		send(&types.VehicleList{Msg: "allVehicles", Vehicles: vs, State: "finished", Error: errString(err)})

	case types.TypeCustomerVehicle:
		vs, err := h.lib.GetAllVehicles(ctx, username)
		send(&types.VehicleList{Msg: "customerVehicle", Vehicles: vs, Error: errString(err)})

	case types.TypeGetPart:
		p, err := h.lib.GetPart(ctx, env.PartID)
		send(&types.PartDetail{Msg: "part", Part: p, Error: errString(err)})

	case types.TypeGetAllParts:
		ps, err := h.lib.GetAllParts(ctx)
		send(&types.PartList{Msg: "allParts", Parts: ps, Error: errString(err)})

	case types.TypeGetAllPartsForUpdateVehicle:
		ps, err := h.lib.GetAllParts(ctx)
		send(&types.PartList{Msg: "allPartsForUpdateVehicle", Parts: ps, Error: errString(err)})

	default:
		log.Debug("ignoring unknown command")
	}
}

// invoke runs a state-changing command, reporting tx_step progress to the
// sender, and returns the final result message.
func (h *Handler) invoke(ctx context.Context, log *slog.Logger, send func(types.Outbound), username string, env *types.Envelope) types.Outbound {
	hooks := ledger.Hooks{
		OnEndorsed: func(err error) {
			if err != nil {
				send(types.NewTxStep(types.TxEndorsingFailed))
				return
			}
			send(types.NewTxStep(types.TxOrdering))
		},
		OnOrdered: func(err error) {
			if err != nil {
				send(types.NewTxStep(types.TxOrderingFailed))
				return
			}
			send(types.NewTxStep(types.TxCommitting))
		},
	}

	var (
		result *types.TxResult
		resp   *ledger.Response
		err    error
	)
	switch env.Type {
	case types.TypeCreateVehicle:
		result = &types.TxResult{Msg: "vehicleCreated"}
		if env.Vehicle == nil {
			result.Error = "missing vehicle"
			return result
		}
		result.ChassisNumber = env.Vehicle.ChassisNumber
		resp, err = h.lib.CreateVehicle(ctx, env.Vehicle, username, hooks)
		if err == nil {
			if parsed, ok := resp.Parsed.(map[string]any); ok {
				result.VehicleID, _ = parsed["vehicleId"].(string)
			}
		}

	case types.TypeUpdateVehicle:
		result = &types.TxResult{Msg: "vehicleUpdated"}
		if env.Vehicle == nil {
			result.Error = "missing vehicle"
			return result
		}
		result.ChassisNumber = env.Vehicle.ChassisNumber
		result.VehicleID = env.Vehicle.VehicleID
		resp, err = h.lib.UpdateVehicle(ctx, env.Vehicle, username, hooks)

	case types.TypeCreatePart:
		result = &types.TxResult{Msg: "partCreated"}
		if env.Part == nil {
			result.Error = "missing part"
			return result
		}
		result.PartID = env.Part.PartID
		resp, err = h.lib.CreatePart(ctx, env.Part, username, hooks)

	case types.TypeUpdatePart:
		result = &types.TxResult{Msg: "partUpdated"}
		if env.Part == nil {
			result.Error = "missing part"
			return result
		}
		result.PartID = env.Part.PartID
		resp, err = h.lib.UpdatePart(ctx, env.Part, username, hooks)
	}

	if err != nil {
		log.Warn("invoke failed", "err", err)
		result.Error = err.Error()
		return result
	}
	result.TxID = resp.TxID
	return result
}

// chainStats sends the stats of the most recent blocks, oldest first.
func (h *Handler) chainStats(ctx context.Context, log *slog.Logger, send func(types.Outbound)) {
	height, err := h.lib.ChannelStats(ctx)
	if err != nil {
		log.Warn("could not read channel height", "err", err)
		send(&types.ChainStatsMessage{Msg: "chainstats", Error: err.Error()})
		return
	}
	for _, n := range RecentBlocks(height, statsDepth) {
		block, err := h.lib.QueryBlock(ctx, n)
		if err != nil {
			log.Debug("could not read block", "block", n, "err", err)
			continue
		}
		block.Height = n
		send(types.NewChainStats(height, block))
	}
}

// RecentBlocks lists up to depth block numbers below height, skipping the
// genesis block, in ascending order.
func RecentBlocks(height uint64, depth int) []uint64 {
	var list []uint64
	for n := int64(height) - 1; n >= 1 && len(list) < depth; n-- {
		list = append(list, uint64(n))
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
