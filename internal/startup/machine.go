// Package startup drives the application from a cold start to ready:
// validate the config file, enroll the admin, find the chaincode, and make
// sure every configured owner exists on the ledger. Progress is pushed to
// every browser as app_state; a failed step waits for the operator to send
// corrected settings over the websocket.
package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"vehicles.ledger/vtrack/internal/chaincode"
	"vehicles.ledger/vtrack/internal/config"
	"vehicles.ledger/vtrack/internal/identity"
	"vehicles.ledger/vtrack/internal/ledger"
	"vehicles.ledger/vtrack/internal/types"
)

// ErrSuperseded is returned by a pass that a newer pass replaced.
var ErrSuperseded = errors.New("startup pass superseded")

// Broadcaster delivers a message to every connected browser.
type Broadcaster interface {
	Broadcast(msg types.Outbound)
}

// ConfigStore is the config file as the pipeline sees it. Apply with an empty
// patch re-reads the file.
type ConfigStore interface {
	Current() *config.Config
	Check() error
	Apply(patch map[string]any) error
}

// Enroller obtains the admin identity.
type Enroller interface {
	Enroll(ctx context.Context, attempt int) (*identity.Identity, error)
}

// CachePurger empties the credential cache.
type CachePurger interface {
	Purge() error
}

// Chaincode is the part of the chaincode library the pipeline calls.
type Chaincode interface {
	CheckInstantiated(ctx context.Context) error
	ReadEverything(ctx context.Context) (*types.Everything, error)
	RegisterOwner(ctx context.Context, username, company string, hooks ledger.Hooks) (string, error)
}

// Machine runs startup passes. Only the newest pass may change the state.
type Machine struct {
	log      *slog.Logger
	cfg      ConfigStore
	enroller Enroller
	cache    CachePurger
	cc       Chaincode
	hub      Broadcaster

	state *State
	gen   atomic.Uint64

	mu   sync.Mutex
	base context.Context
}

// NewMachine wires a Machine. hub may be nil until SetBroadcaster is called.
func NewMachine(log *slog.Logger, cfg ConfigStore, enroller Enroller, cache CachePurger, cc Chaincode, hub Broadcaster) *Machine {
	return &Machine{
		log:      log,
		cfg:      cfg,
		enroller: enroller,
		cache:    cache,
		cc:       cc,
		hub:      hub,
		state:    NewState(),
	}
}

// SetBroadcaster sets where app_state is pushed.
func (m *Machine) SetBroadcaster(hub Broadcaster) {
	m.mu.Lock()
	m.hub = hub
	m.mu.Unlock()
}

// Snapshot returns the current app_state message.
func (m *Machine) Snapshot() types.Outbound {
	return m.state.Message()
}

// Ready reports whether the application finished setup.
func (m *Machine) Ready() bool {
	return m.state.Ready()
}

// Outcome returns the recorded outcome of step.
func (m *Machine) Outcome(step Step) Outcome {
	return m.state.Get(step)
}

type pass struct {
	m   *Machine
	gen uint64
}

func (m *Machine) begin() *pass {
	return &pass{m: m, gen: m.gen.Inc()}
}

func (p *pass) current() bool {
	return p.m.gen.Load() == p.gen
}

// set applies a transition and broadcasts the new state. A superseded pass
// is ignored.
func (p *pass) set(step Step, outcome Outcome) error {
	accepted, live := p.m.state.SetIf(p.current, step, outcome)
	if !live {
		return ErrSuperseded
	}
	if !accepted {
		p.m.log.Warn("rejected startup transition, an earlier step has not succeeded", "step", step, "outcome", outcome)
		return fmt.Errorf("cannot mark %s %s", step, outcome)
	}
	p.m.log.Debug("startup transition", "step", step, "outcome", outcome)
	p.m.broadcastState()
	return nil
}

func (p *pass) firstSetup(v bool) {
	p.m.state.SetFirstSetupIf(p.current, v)
}

func (m *Machine) broadcastState() {
	m.mu.Lock()
	hub := m.hub
	m.mu.Unlock()
	if hub != nil {
		hub.Broadcast(m.state.Message())
	}
}

// Start runs the pipeline from the checklist. ctx bounds every later pass
// too.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	p := m.begin()
	if err := p.checklist(); err != nil {
		return err
	}
	m.log.Info("using settings to see if we have launched before")
	return p.enrollAndDiscover(ctx, false)
}

// passContext detaches a configure pass from the connection that asked for
// it and ties it to the process instead.
func (m *Machine) passContext(ctx context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base != nil {
		return m.base
	}
	return context.WithoutCancel(ctx)
}

// Configure handles a setup message from the browser.
func (m *Machine) Configure(ctx context.Context, env *types.Envelope) error {
	ctx = m.passContext(ctx)

	switch env.Configure {
	case types.ConfigureEnrollment:
		p := m.begin()
		if err := m.cache.Purge(); err != nil {
			m.log.Error("could not delete old credential cache", "err", err)
		}
		if err := p.applyAndCheck(env.Patch); err != nil {
			return err
		}
		return p.enrollAndDiscover(ctx, true)

	case types.ConfigureFindChaincode:
		p := m.begin()
		if err := p.applyAndCheck(env.Patch); err != nil {
			return err
		}
		return p.enrollAndDiscover(ctx, true)

	case types.ConfigureRegister:
		p := m.begin()
		owners := env.BuildOwners
		if len(owners) == 0 {
			owners = m.cfg.Current().Owners
		}
		if err := p.seed(ctx, owners); err != nil {
			return err
		}
		_, err := p.detect(ctx)
		return err
	}

	m.log.Warn("unknown setup target", "configure", env.Configure)
	return fmt.Errorf("unknown setup target %q", env.Configure)
}

func (p *pass) checklist() error {
	if err := p.m.cfg.Check(); err != nil {
		p.m.log.Warn("config file failed the checklist", "err", err)
		_ = p.set(StepChecklist, Failed)
		p.firstSetup(true)
		return err
	}
	return p.set(StepChecklist, Success)
}

// applyAndCheck writes the patch, if any, and re-reads the config file so
// hand edits made since the last pass are picked up.
func (p *pass) applyAndCheck(patch map[string]any) error {
	if err := p.m.cfg.Apply(patch); err != nil {
		p.m.log.Warn("could not write new settings", "err", err)
	}
	return p.checklist()
}

// enrollAndDiscover runs enrollment, chaincode discovery and prior launch
// detection. With seed set, missing owners are registered straight away.
func (p *pass) enrollAndDiscover(ctx context.Context, seed bool) error {
	m := p.m
	if _, err := m.enroller.Enroll(ctx, 1); err != nil {
		m.log.Warn("error enrolling admin", "err", err)
		if serr := p.set(StepEnrolling, Failed); serr != nil {
			return serr
		}
		p.unsuccessful()
		return err
	}
	m.log.Info("success enrolling admin")
	if err := p.set(StepEnrolling, Success); err != nil {
		return err
	}

	m.log.Debug("checking if chaincode is already instantiated or not")
	if err := m.cc.CheckInstantiated(ctx); err != nil {
		cfg := m.cfg.Current()
		m.log.Warn("chaincode was not detected, all stop", "chaincode_id", cfg.ChaincodeID, "err", err)
		if serr := p.set(StepFindChaincode, Failed); serr != nil {
			return serr
		}
		p.unsuccessful()
		return err
	}
	m.log.Info("chaincode found on channel", "channel", m.cfg.Current().ChannelID)
	if err := p.set(StepFindChaincode, Success); err != nil {
		return err
	}

	missing, err := p.detect(ctx)
	if err != nil {
		p.unsuccessful()
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	if !seed {
		p.unsuccessful()
		return nil
	}
	if err := p.seed(ctx, m.cfg.Current().Owners); err != nil {
		return err
	}
	_, err = p.detect(ctx)
	return err
}

func (p *pass) unsuccessful() {
	p.firstSetup(true)
	p.m.log.Info("detected that we have NOT launched successfully yet, waiting for the operator")
}

// detect reads the ledger and compares it with the configured owners. It
// returns the configured usernames that have no owner record yet.
func (p *pass) detect(ctx context.Context) ([]string, error) {
	m := p.m
	m.log.Info("checking ledger for owners listed in the config file")
	all, err := m.cc.ReadEverything(ctx)
	if err != nil {
		m.log.Warn("error reading ledger", "err", err)
		if serr := p.set(StepRegisterOwners, Failed); serr != nil {
			return nil, serr
		}
		return nil, err
	}

	cfg := m.cfg.Current()
	missing := missingOwners(cfg.Owners, cfg.Company, all.Owners)
	if len(missing) > 0 {
		m.log.Info("we need to make owners", "missing", missing)
		if err := p.set(StepRegisterOwners, Waiting); err != nil {
			return nil, err
		}
		return missing, nil
	}

	p.firstSetup(false)
	if err := p.set(StepRegisterOwners, Success); err != nil {
		p.firstSetup(true)
		return nil, err
	}
	m.log.Info("everything is in place")
	return nil, nil
}

// seed registers each listed owner that is not on the ledger yet.
func (p *pass) seed(ctx context.Context, usernames []string) error {
	m := p.m
	all, err := m.cc.ReadEverything(ctx)
	if err != nil {
		m.log.Warn("error reading ledger", "err", err)
		if serr := p.set(StepRegisterOwners, Failed); serr != nil {
			return serr
		}
		return err
	}

	company := m.cfg.Current().Company
	for _, username := range missingOwners(usernames, company, all.Owners) {
		if !p.current() {
			return ErrSuperseded
		}
		if _, err := m.cc.RegisterOwner(ctx, username, company, ledger.Hooks{}); err != nil {
			m.log.Warn("could not register owner", "username", username, "err", err)
			if serr := p.set(StepRegisterOwners, Failed); serr != nil {
				return serr
			}
			return err
		}
		m.log.Info("registered owner", "username", username)
	}
	return nil
}

// missingOwners returns the usernames without an owner record for company,
// lower-cased and without duplicates.
func missingOwners(usernames []string, company string, owners []types.Owner) []string {
	present := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		present[chaincode.OwnerName(o.Username, o.Company)] = struct{}{}
	}

	var missing []string
	seen := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		key := chaincode.OwnerName(u, company)
		if _, ok := present[key]; ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		missing = append(missing, strings.ToLower(u))
	}
	return missing
}
