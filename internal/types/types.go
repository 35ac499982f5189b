// Package types defines the domain records kept on the ledger and the
// websocket wire protocol spoken between vtrack and the browser. Records
// mirror the JSON layout written by the vehicle chaincode so payloads can be
// decoded straight from query responses.
package types

// Version is the current version of vtrack
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// Contact is a person attached to a vehicle (customer or dealer).
type Contact struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email"`
}

// Owner is an application user registered on the ledger during first setup.
type Owner struct {
	ObjectType string `json:"docType"`
	ID         string `json:"id"`
	Username   string `json:"username"`
	Company    string `json:"company"`
	Enabled    bool   `json:"enabled"`
}

// Part is a single vehicle part and its delivery/installation history.
type Part struct {
	PartID       string            `json:"partId"`
	ProductCode  string            `json:"productCode"`
	Transactions []PartTransaction `json:"transactions"`
}

// PartTransaction records one change of a part (CREATE, DELIVERY, INSTALLED...).
type PartTransaction struct {
	User               string `json:"user"`
	DateOfManufacture  string `json:"dateOfManufacture,omitempty"`
	DateOfDelivery     string `json:"dateOfDelivery,omitempty"`
	DateOfInstallation string `json:"dateOfInstallation,omitempty"`
	VehicleID          string `json:"vehicleId,omitempty"`
	WarrantyStartDate  string `json:"warrantyStartDate,omitempty"`
	WarrantyEndDate    string `json:"warrantyEndDate,omitempty"`
	TType              string `json:"ttype"`
}

// Vehicle is a vehicle record with its parts, service log and audit trail.
type Vehicle struct {
	VehicleID           string               `json:"vehicleId"`
	Make                string               `json:"make"`
	ChassisNumber       string               `json:"chassisNumber"`
	Vin                 string               `json:"vin"`
	Variant             string               `json:"variant"`
	Engine              string               `json:"engine"`
	GearBox             string               `json:"gearBox"`
	Color               string               `json:"color"`
	Image               string               `json:"image"`
	DateOfManufacture   string               `json:"dateOfManufacture"`
	Owner               Contact              `json:"owner"`
	Dealer              Contact              `json:"dealer"`
	LicensePlateNumber  string               `json:"licensePlateNumber"`
	DateofDelivery      string               `json:"dateofDelivery"`
	WarrantyStartDate   string               `json:"warrantyStartDate"`
	WarrantyEndDate     string               `json:"warrantyEndDate"`
	Parts               []Part               `json:"parts"`
	VehicleService      []VehicleService     `json:"vehicleService"`
	VehicleTransactions []VehicleTransaction `json:"vehicleTransactions"`
}

// VehicleTransaction is one entry of a vehicle's audit trail.
type VehicleTransaction struct {
	TType             string `json:"ttype"`
	TValue            string `json:"tvalue"`
	WarrantyStartDate string `json:"warrantyStartDate,omitempty"`
	WarrantyEndDate   string `json:"warrantyEndDate,omitempty"`
	UpdatedBy         string `json:"updatedBy"`
	UpdatedOn         string `json:"updatedOn"`
}

// VehicleService is a service performed on a vehicle, with the parts replaced.
type VehicleService struct {
	ServiceDescription string `json:"serviceDescription"`
	ServiceDoneBy      string `json:"serviceDoneBy"`
	ServiceDoneOn      string `json:"serviceDoneOn"`
	Parts              []Part `json:"parts"`
}

// Everything is the result of the read_everything chaincode query.
type Everything struct {
	Owners   []Owner   `json:"owners"`
	Vehicles []Vehicle `json:"vehicles"`
	Parts    []Part    `json:"parts"`
}

// BlockStats describes one block of the channel for the chainstats view.
type BlockStats struct {
	Height       uint64          `json:"height"`
	DataHash     string          `json:"dataHash,omitempty"`
	Transactions []BlockTxDigest `json:"transactions"`
}

// BlockTxDigest is the per-transaction summary carried in BlockStats.
type BlockTxDigest struct {
	TxID      string         `json:"txId"`
	Function  string         `json:"function"`
	Timestamp BlockTimestamp `json:"timestamp"`
}

// BlockTimestamp keeps the protobuf-like shape the browser reads
// (timestamp.seconds).
type BlockTimestamp struct {
	Seconds int64 `json:"seconds"`
}

// ChainStats is the channel-level info sent alongside block stats.
type ChainStats struct {
	Height uint64 `json:"height"`
}
