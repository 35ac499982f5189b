package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vehicles.ledger/vtrack/internal/identity"
	"vehicles.ledger/vtrack/internal/types"
)

// warrantyFormat is the date layout the browser sends for warranty dates.
const warrantyFormat = "2006-Jan-02"

// MemoryGateway is an in-process ledger running the vehicle chaincode. Each
// committed invoke is cut into its own block.
type MemoryGateway struct {
	mu           sync.Mutex
	instantiated bool
	orderDelay   time.Duration
	now          func() time.Time

	owners   map[string]types.Owner
	vehicles map[string]*types.Vehicle
	parts    map[string]*types.Part
	ownerIDs []string
	vehIDs   []string
	partIDs  []string
	blocks   []types.BlockStats
}

// NewMemoryGateway returns a ledger with the chaincode instantiated and a
// genesis block.
func NewMemoryGateway() *MemoryGateway {
	g := &MemoryGateway{
		instantiated: true,
		now:          time.Now,
		owners:       make(map[string]types.Owner),
		vehicles:     make(map[string]*types.Vehicle),
		parts:        make(map[string]*types.Part),
	}
	g.blocks = append(g.blocks, types.BlockStats{Height: 0, Transactions: []types.BlockTxDigest{}})
	return g
}

// SetInstantiated toggles whether the chaincode answers the self test.
func (g *MemoryGateway) SetInstantiated(v bool) {
	g.mu.Lock()
	g.instantiated = v
	g.mu.Unlock()
}

// SetOrderDelay adds a pause between endorsement and ordering.
func (g *MemoryGateway) SetOrderDelay(d time.Duration) {
	g.mu.Lock()
	g.orderDelay = d
	g.mu.Unlock()
}

// Query runs a read-only chaincode function.
func (g *MemoryGateway) Query(ctx context.Context, id *identity.Identity, req Request) (*Response, error) {
	if id == nil {
		return nil, ErrNoIdentity
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.instantiated {
		return nil, fmt.Errorf("chaincode %s not found on channel %s", req.ChaincodeID, req.Channel)
	}

	payload, err := g.query(req.Function, req.Args)
	if err != nil {
		return nil, err
	}
	return NewResponse(payload, ""), nil
}

// Invoke runs a state-changing chaincode function and appends a block.
func (g *MemoryGateway) Invoke(ctx context.Context, id *identity.Identity, req Request, hooks Hooks) (*Response, error) {
	if id == nil {
		err := fmt.Errorf("%w: %w", ErrEndorsement, ErrNoIdentity)
		hooks.endorsed(err)
		return nil, err
	}

	g.mu.Lock()
	instantiated := g.instantiated
	delay := g.orderDelay
	g.mu.Unlock()

	if !instantiated {
		err := fmt.Errorf("%w: chaincode %s not found", ErrEndorsement, req.ChaincodeID)
		hooks.endorsed(err)
		return nil, err
	}
	if err := validateArgs(req.Function, req.Args); err != nil {
		err = fmt.Errorf("%w: %w", ErrEndorsement, err)
		hooks.endorsed(err)
		return nil, err
	}
	hooks.endorsed(nil)

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err := fmt.Errorf("%w: %w", ErrOrdering, ctx.Err())
			hooks.ordered(err)
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("%w: %w", ErrOrdering, err)
		hooks.ordered(err)
		return nil, err
	}
	hooks.ordered(nil)

	g.mu.Lock()
	defer g.mu.Unlock()
	payload, err := g.invoke(req.Function, req.Args)
	if err != nil {
		return nil, err
	}
	txID := g.cutBlock(id, req)
	return NewResponse(payload, txID), nil
}

// ChannelHeight returns the number of blocks.
func (g *MemoryGateway) ChannelHeight(ctx context.Context, id *identity.Identity) (uint64, error) {
	if id == nil {
		return 0, ErrNoIdentity
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return uint64(len(g.blocks)), nil
}

// Block returns the stats of block number.
func (g *MemoryGateway) Block(ctx context.Context, id *identity.Identity, number uint64) (*types.BlockStats, error) {
	if id == nil {
		return nil, ErrNoIdentity
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if number >= uint64(len(g.blocks)) {
		return nil, fmt.Errorf("block %d not found", number)
	}
	b := g.blocks[number]
	b.Transactions = append([]types.BlockTxDigest(nil), b.Transactions...)
	return &b, nil
}

func (g *MemoryGateway) cutBlock(id *identity.Identity, req Request) string {
	now := g.now()
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", id.PublicKeyHex(), req.Function, strings.Join(req.Args, ","), now.UnixNano())
	txID := hex.EncodeToString(h.Sum(nil))

	height := uint64(len(g.blocks))
	dataHash := sha256.Sum256([]byte(txID))
	g.blocks = append(g.blocks, types.BlockStats{
		Height:   height,
		DataHash: hex.EncodeToString(dataHash[:]),
		Transactions: []types.BlockTxDigest{{
			TxID:      txID,
			Function:  req.Function,
			Timestamp: types.BlockTimestamp{Seconds: now.Unix()},
		}},
	})
	return txID
}

var invokeArity = map[string]int{
	"init_owner":    3,
	"createVehicle": 9,
	"updateVehicle": 16,
	"createPart":    4,
	"updatePart":    8,
}

func validateArgs(function string, args []string) error {
	n, ok := invokeArity[function]
	if !ok {
		return fmt.Errorf("received unknown invoke function name - %q", function)
	}
	if len(args) != n {
		return fmt.Errorf("incorrect number of arguments for %s: expecting %d, got %d", function, n, len(args))
	}
	return nil
}

func (g *MemoryGateway) query(function string, args []string) ([]byte, error) {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch function {
	case "read":
		if arg(0) == "selftest" {
			return []byte("1"), nil
		}
		return g.readKey(arg(0))
	case "read_everything":
		everything := types.Everything{
			Owners:   make([]types.Owner, 0, len(g.ownerIDs)),
			Vehicles: make([]types.Vehicle, 0, len(g.vehIDs)),
			Parts:    make([]types.Part, 0, len(g.partIDs)),
		}
		for _, id := range g.ownerIDs {
			everything.Owners = append(everything.Owners, g.owners[id])
		}
		for _, id := range g.vehIDs {
			everything.Vehicles = append(everything.Vehicles, *g.vehicles[id])
		}
		for _, id := range g.partIDs {
			everything.Parts = append(everything.Parts, *g.parts[id])
		}
		return json.Marshal(everything)
	case "getVehicle":
		v, ok := g.vehicles[arg(0)]
		if !ok {
			return nil, fmt.Errorf("vehicle %s not found", arg(0))
		}
		return json.Marshal(v)
	case "getVehicleByChassisNumber":
		for _, id := range g.vehIDs {
			if v := g.vehicles[id]; v.ChassisNumber == arg(0) {
				return json.Marshal(v)
			}
		}
		return nil, fmt.Errorf("vehicle with chassis number %s not found", arg(0))
	case "getAllVehicles":
		owner := strings.ToLower(arg(0))
		out := struct {
			Vehicles []types.Vehicle `json:"vehicles"`
		}{Vehicles: []types.Vehicle{}}
		for _, id := range g.vehIDs {
			v := g.vehicles[id]
			if owner == "" || strings.ToLower(v.Owner.Name) == owner {
				out.Vehicles = append(out.Vehicles, *v)
			}
		}
		return json.Marshal(out)
	case "getPart":
		p, ok := g.parts[arg(0)]
		if !ok {
			return nil, fmt.Errorf("part %s not found", arg(0))
		}
		return json.Marshal(p)
	case "getAllParts":
		out := struct {
			Parts []types.Part `json:"parts"`
		}{Parts: []types.Part{}}
		for _, id := range g.partIDs {
			out.Parts = append(out.Parts, *g.parts[id])
		}
		return json.Marshal(out)
	}
	return nil, fmt.Errorf("received unknown query function name - %q", function)
}

func (g *MemoryGateway) readKey(key string) ([]byte, error) {
	if o, ok := g.owners[key]; ok {
		return json.Marshal(o)
	}
	if v, ok := g.vehicles[key]; ok {
		return json.Marshal(v)
	}
	if p, ok := g.parts[key]; ok {
		return json.Marshal(p)
	}
	return nil, nil
}

func (g *MemoryGateway) invoke(function string, args []string) ([]byte, error) {
	switch function {
	case "init_owner":
		return nil, g.initOwner(args)
	case "createVehicle":
		return g.createVehicle(args)
	case "updateVehicle":
		return nil, g.updateVehicle(args)
	case "createPart":
		return nil, g.createPart(args)
	case "updatePart":
		return nil, g.updatePart(args)
	}
	return nil, fmt.Errorf("received unknown invoke function name - %q", function)
}

func (g *MemoryGateway) initOwner(args []string) error {
	owner := types.Owner{
		ObjectType: "marble_owner",
		ID:         args[0],
		Username:   strings.ToLower(args[1]),
		Company:    args[2],
		Enabled:    true,
	}
	if _, exists := g.owners[owner.ID]; exists {
		return fmt.Errorf("this owner already exists - %s", owner.ID)
	}
	g.owners[owner.ID] = owner
	g.ownerIDs = append(g.ownerIDs, owner.ID)
	return nil
}

func (g *MemoryGateway) createVehicle(args []string) ([]byte, error) {
	now := g.now().Local().String()
	v := &types.Vehicle{
		VehicleID:         uuid.NewString(),
		Make:              args[0],
		ChassisNumber:     args[1],
		Vin:               args[2],
		DateOfManufacture: now,
		Variant:           args[4],
		Engine:            args[5],
		GearBox:           args[6],
		Color:             args[7],
		Image:             args[8],
		VehicleTransactions: []types.VehicleTransaction{{
			TType:     "CREATE",
			UpdatedBy: args[3],
			UpdatedOn: now,
		}},
	}
	g.vehicles[v.VehicleID] = v
	g.vehIDs = append(g.vehIDs, v.VehicleID)
	return json.Marshal(map[string]string{"vehicleId": v.VehicleID})
}

func (g *MemoryGateway) updateVehicle(args []string) error {
	v, ok := g.vehicles[args[0]]
	if !ok {
		return fmt.Errorf("failed to get vehicle #%s", args[0])
	}

	var changes []string
	setIfChanged := func(dst *string, val, label string) {
		if *dst != val {
			*dst = val
			changes = append(changes, label+" to "+val)
		}
	}
	setIfChanged(&v.Owner.Name, args[2], "Owner Name")
	setIfChanged(&v.Owner.PhoneNumber, args[3], "Owner Phone")
	setIfChanged(&v.Owner.Email, args[4], "Owner Email")
	v.Dealer = types.Contact{Name: args[5], PhoneNumber: args[6], Email: args[7]}
	setIfChanged(&v.LicensePlateNumber, args[8], "License Plate Number")
	setIfChanged(&v.DateofDelivery, args[9], "Date of Delivery")

	warrantyStart, warrantyEnd := args[10], args[11]
	if warrantyStart != "" {
		// warranty runs one year from its start
		if start, err := time.Parse(warrantyFormat, warrantyStart); err == nil {
			warrantyEnd = start.AddDate(1, 0, 0).Format("2006-01-02")
		}
	}
	setIfChanged(&v.WarrantyStartDate, warrantyStart, "Warranty Start Date")
	setIfChanged(&v.WarrantyEndDate, warrantyEnd, "Warranty End Date")

	now := g.now().Local().String()
	var service types.VehicleService
	if args[13] != "" {
		var partNotes []string
		for _, entry := range strings.Split(args[13], ",") {
			partID, productCode, _ := strings.Cut(entry, "-")
			part := types.Part{PartID: partID, ProductCode: productCode}
			verb := "Added"
			for _, existing := range v.Parts {
				if existing.PartID == partID {
					verb = "Replaced"
					break
				}
			}
			partNotes = append(partNotes, "~"+verb+"  Part #"+partID)
			v.Parts = append(v.Parts, part)
			service.Parts = append(service.Parts, part)
		}
		changes = append(changes, "Parts: "+strings.Join(partNotes, ""))
	}

	tvalue := ""
	if len(changes) > 0 {
		tvalue = "," + strings.Join(changes, ",")
	}
	v.VehicleTransactions = append(v.VehicleTransactions, types.VehicleTransaction{
		TType:             args[1],
		TValue:            tvalue,
		WarrantyStartDate: warrantyStart,
		WarrantyEndDate:   warrantyEnd,
		UpdatedBy:         args[12],
		UpdatedOn:         now,
	})

	if args[14] == "Y" {
		service.ServiceDescription = args[15]
		service.ServiceDoneBy = args[12]
		service.ServiceDoneOn = now
		v.VehicleService = append(v.VehicleService, service)
	}
	return nil
}

func (g *MemoryGateway) createPart(args []string) error {
	p := &types.Part{
		PartID:      args[0],
		ProductCode: args[1],
		Transactions: []types.PartTransaction{{
			DateOfManufacture: args[2],
			TType:             "CREATE",
			User:              args[3],
		}},
	}
	if _, exists := g.parts[p.PartID]; !exists {
		g.partIDs = append(g.partIDs, p.PartID)
	}
	g.parts[p.PartID] = p
	return nil
}

func (g *MemoryGateway) updatePart(args []string) error {
	p, ok := g.parts[args[0]]
	if !ok {
		return fmt.Errorf("failed to get part #%s", args[0])
	}
	p.Transactions = append(p.Transactions, types.PartTransaction{
		TType:              args[7],
		VehicleID:          args[1],
		DateOfDelivery:     args[2],
		DateOfInstallation: args[3],
		User:               args[4],
		WarrantyStartDate:  args[5],
		WarrantyEndDate:    args[6],
	})
	return nil
}

// Owners returns the registered owner usernames, sorted.
func (g *MemoryGateway) Owners() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.owners))
	for _, o := range g.owners {
		names = append(names, o.Username)
	}
	sort.Strings(names)
	return names
}
