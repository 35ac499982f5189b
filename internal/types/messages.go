package types

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminator of an inbound websocket envelope.
type MessageType string

const (
	TypeSetup                       MessageType = "setup"
	TypeChainStats                  MessageType = "chainstats"
	TypeCreateVehicle               MessageType = "createVehicle"
	TypeUpdateVehicle               MessageType = "updateVehicle"
	TypeCreatePart                  MessageType = "createPart"
	TypeUpdatePart                  MessageType = "updatePart"
	TypeGetVehicle                  MessageType = "getVehicle"
	TypeGetVehicleByChassisNumber   MessageType = "getVehicleByChassisNumber"
	TypeGetAllVehicles              MessageType = "getAllVehicles"
	TypeGetPart                     MessageType = "getPart"
	TypeGetAllParts                 MessageType = "getAllParts"
	TypeGetAllPartsForUpdateVehicle MessageType = "getAllPartsForUpdateVehicle"
	TypeCustomerVehicle             MessageType = "customerVehicle"
	TypeGetCustomerVehicleDetails   MessageType = "getCustomerVehicleDetails"
)

// ConfigureTarget selects where a setup message re-enters the startup pipeline.
type ConfigureTarget string

const (
	ConfigureEnrollment    ConfigureTarget = "enrollment"
	ConfigureFindChaincode ConfigureTarget = "find_chaincode"
	ConfigureRegister      ConfigureTarget = "register"
)

// Envelope is an inbound message from a browser. Only the fields relevant to
// Type are populated; Patch carries every remaining top-level field of a
// setup message so it can be written into the config file.
type Envelope struct {
	Type          MessageType     `json:"type"`
	Configure     ConfigureTarget `json:"configure,omitempty"`
	BuildOwners   []string        `json:"build_marble_owners,omitempty"`
	Vehicle       *VehicleInput   `json:"vehicle,omitempty"`
	Part          *PartInput      `json:"part,omitempty"`
	VehicleID     string          `json:"vehicleId,omitempty"`
	ChassisNumber string          `json:"chassisNumber,omitempty"`
	PartID        string          `json:"partId,omitempty"`

	Patch map[string]any `json:"-"`
}

// envelopeKeys are consumed by the envelope itself and never end up in Patch.
var envelopeKeys = map[string]struct{}{
	"type": {}, "configure": {}, "build_marble_owners": {}, "v": {},
	"vehicle": {}, "part": {}, "vehicleId": {}, "chassisNumber": {}, "partId": {},
}

// DecodeEnvelope parses a raw websocket frame. A frame without a type is
// rejected as malformed.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	if env.Type != TypeSetup {
		return &env, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode setup fields: %w", err)
	}
	for k, v := range raw {
		if _, skip := envelopeKeys[k]; skip {
			continue
		}
		if env.Patch == nil {
			env.Patch = make(map[string]any)
		}
		env.Patch[k] = v
	}
	return &env, nil
}

// VehicleInput is the vehicle payload of createVehicle/updateVehicle.
// Parts is the browser's "partId-productCode,..." list.
type VehicleInput struct {
	VehicleID          string   `json:"vehicleId"`
	Make               string   `json:"make"`
	ChassisNumber      string   `json:"chassisNumber"`
	Vin                string   `json:"vin"`
	Variant            string   `json:"variant"`
	Engine             string   `json:"engine"`
	GearBox            string   `json:"gearBox"`
	Color              string   `json:"color"`
	Image              string   `json:"image"`
	TType              string   `json:"ttype"`
	Owner              *Contact `json:"owner,omitempty"`
	Dealer             *Contact `json:"dealer,omitempty"`
	LicensePlateNumber string   `json:"licensePlateNumber"`
	WarrantyStartDate  string   `json:"warrantyStartDate"`
	WarrantyEndDate    string   `json:"warrantyEndDate"`
	DateofDelivery     string   `json:"dateofDelivery"`
	Parts              string   `json:"parts"`
	ServiceDone        string   `json:"serviceDone"`
	ServiceDescription string   `json:"serviceDescription"`
}

// PartInput is the part payload of createPart/updatePart.
type PartInput struct {
	PartID             string `json:"partId"`
	ProductCode        string `json:"productCode"`
	DateOfManufacture  string `json:"dateOfManufacture"`
	VehicleID          string `json:"vehicleId"`
	DateOfDelivery     string `json:"dateOfDelivery"`
	DateOfInstallation string `json:"dateOfInstallation"`
	WarrantyStartDate  string `json:"warrantyStartDate"`
	WarrantyEndDate    string `json:"warrantyEndDate"`
	TranType           string `json:"tranType"`
}

// Outbound is any message pushed to a browser. Every outbound message is a
// flat JSON object whose "msg" field equals Kind().
type Outbound interface {
	Kind() string
}

// TxState is the stage reported by a tx_step message.
type TxState string

const (
	TxOrdering        TxState = "ordering"
	TxEndorsingFailed TxState = "endorsing_failed"
	TxCommitting      TxState = "committing"
	TxOrderingFailed  TxState = "ordering_failed"
)

// TxStep reports invoke progress to the connection that issued the invoke.
type TxStep struct {
	Msg   string  `json:"msg"`
	State TxState `json:"state"`
}

func NewTxStep(state TxState) *TxStep { return &TxStep{Msg: "tx_step", State: state} }
func (m *TxStep) Kind() string { return m.Msg }

// VehicleList answers allVehicles and customerVehicle.
type VehicleList struct {
	Msg      string    `json:"msg"`
	Vehicles []Vehicle `json:"vehicles"`
	State    string    `json:"state,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (m *VehicleList) Kind() string { return m.Msg }

// PartList answers allParts and allPartsForUpdateVehicle.
type PartList struct {
	Msg   string `json:"msg"`
	Parts []Part `json:"parts"`
	Error string `json:"error,omitempty"`
}

func (m *PartList) Kind() string { return m.Msg }

// VehicleDetail answers vehicle and customerVehicleDetails.
type VehicleDetail struct {
	Msg     string   `json:"msg"`
	Vehicle *Vehicle `json:"vehicle"`
	Error   string   `json:"error,omitempty"`
}

func (m *VehicleDetail) Kind() string { return m.Msg }

// PartDetail answers part.
type PartDetail struct {
	Msg   string `json:"msg"`
	Part  *Part  `json:"part"`
	Error string `json:"error,omitempty"`
}

func (m *PartDetail) Kind() string { return m.Msg }

// TxResult is the final outcome of an invoke: vehicleCreated, vehicleUpdated,
// partCreated or partUpdated.
type TxResult struct {
	Msg           string `json:"msg"`
	ChassisNumber string `json:"chassisNumber,omitempty"`
	VehicleID     string `json:"vehicleId,omitempty"`
	PartID        string `json:"partId,omitempty"`
	TxID          string `json:"txId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (m *TxResult) Kind() string { return m.Msg }

// ChainStatsMessage carries channel height and the stats of one block.
type ChainStatsMessage struct {
	Msg        string      `json:"msg"`
	Error      string      `json:"e,omitempty"`
	ChainStats ChainStats  `json:"chainstats"`
	BlockStats *BlockStats `json:"blockstats"`
}

func NewChainStats(height uint64, block *BlockStats) *ChainStatsMessage {
	return &ChainStatsMessage{Msg: "chainstats", ChainStats: ChainStats{Height: height}, BlockStats: block}
}
func (m *ChainStatsMessage) Kind() string { return m.Msg }

// Reset tells browsers a new block arrived and their views are stale.
type Reset struct {
	Msg string `json:"msg"`
}

func NewReset() *Reset { return &Reset{Msg: "reset"} }
func (m *Reset) Kind() string { return m.Msg }
