package startup

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicles.ledger/vtrack/internal/chaincode"
	"vehicles.ledger/vtrack/internal/config"
	"vehicles.ledger/vtrack/internal/credstore"
	"vehicles.ledger/vtrack/internal/enroll"
	"vehicles.ledger/vtrack/internal/identity"
	"vehicles.ledger/vtrack/internal/ledger"
	"vehicles.ledger/vtrack/internal/logger"
	"vehicles.ledger/vtrack/internal/types"
)

type fakeConfig struct {
	mu       sync.Mutex
	cfg      *config.Config
	checkErr error
	patches  []map[string]any
}

func (c *fakeConfig) Current() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *fakeConfig) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkErr
}

func (c *fakeConfig) Apply(patch map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches = append(c.patches, patch)
	return nil
}

type fakeEnroller struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (e *fakeEnroller) Enroll(context.Context, int) (*identity.Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return nil, nil
}

type fakePurger struct {
	mu     sync.Mutex
	purges int
}

func (p *fakePurger) Purge() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purges++
	return nil
}

type fakeChaincode struct {
	mu          sync.Mutex
	missing     bool
	owners      []types.Owner
	registered  []string
	registerErr error
}

func (c *fakeChaincode) CheckInstantiated(context.Context) error {
	if c.missing {
		return chaincode.ErrNotInstantiated
	}
	return nil
}

func (c *fakeChaincode) ReadEverything(context.Context) (*types.Everything, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Everything{Owners: append([]types.Owner(nil), c.owners...)}, nil
}

func (c *fakeChaincode) RegisterOwner(_ context.Context, username, company string, _ ledger.Hooks) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerErr != nil {
		return "", c.registerErr
	}
	c.registered = append(c.registered, username)
	c.owners = append(c.owners, types.Owner{Username: username, Company: company})
	return "o" + username, nil
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []*AppState
}

func (h *recordingHub) Broadcast(msg types.Outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := msg.(*AppState); ok {
		h.msgs = append(h.msgs, st)
	}
}

func (h *recordingHub) all() []*AppState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*AppState(nil), h.msgs...)
}

func testConfig(owners ...string) *fakeConfig {
	return &fakeConfig{cfg: &config.Config{
		ChannelID:   "mychannel",
		ChaincodeID: "vehicles",
		Company:     "United Vehicles",
		Owners:      owners,
	}}
}

func owner(name string) types.Owner {
	return types.Owner{Username: name, Company: "United Vehicles"}
}

// assertOrdered checks every broadcast against the ordering invariant.
func assertOrdered(t *testing.T, msgs []*AppState) {
	t.Helper()
	for _, msg := range msgs {
		for i, step := range Steps {
			if msg.State[step].State != Success {
				continue
			}
			for _, prev := range Steps[:i] {
				assert.Equal(t, Success, msg.State[prev].State, "%s succeeded before %s", step, prev)
			}
		}
	}
}

func TestStartReadyWhenOwnersExist(t *testing.T) {
	hub := &recordingHub{}
	cc := &fakeChaincode{owners: []types.Owner{owner("amy"), owner("bob")}}
	m := NewMachine(logger.Discard(), testConfig("Amy", "bob"), &fakeEnroller{}, &fakePurger{}, cc, hub)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Ready())
	for _, step := range Steps {
		assert.Equal(t, Success, m.Outcome(step), step)
	}

	msgs := hub.all()
	require.Len(t, msgs, 4)
	assert.Equal(t, "yes", msgs[0].FirstSetup)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "no", last.FirstSetup)
	assert.Equal(t, "step4", last.State[StepRegisterOwners].Step)
	assertOrdered(t, msgs)
	assert.Empty(t, cc.registered)
}

func TestStartChecklistFailureHalts(t *testing.T) {
	cfg := testConfig("amy")
	cfg.checkErr = config.ErrInvalid
	enroller := &fakeEnroller{}
	m := NewMachine(logger.Discard(), cfg, enroller, &fakePurger{}, &fakeChaincode{}, &recordingHub{})

	require.ErrorIs(t, m.Start(context.Background()), config.ErrInvalid)
	assert.Equal(t, Failed, m.Outcome(StepChecklist))
	assert.Equal(t, Waiting, m.Outcome(StepEnrolling))
	assert.Zero(t, enroller.calls)
}

func TestStartEnrollmentFailure(t *testing.T) {
	hub := &recordingHub{}
	cc := &fakeChaincode{owners: []types.Owner{owner("amy")}}
	m := NewMachine(logger.Discard(), testConfig("amy"), &fakeEnroller{err: enroll.ErrEnrollment}, &fakePurger{}, cc, hub)

	require.ErrorIs(t, m.Start(context.Background()), enroll.ErrEnrollment)
	assert.Equal(t, Success, m.Outcome(StepChecklist))
	assert.Equal(t, Failed, m.Outcome(StepEnrolling))
	assert.Equal(t, Waiting, m.Outcome(StepRegisterOwners))
	assert.False(t, m.Ready())
	assertOrdered(t, hub.all())
}

func TestStartChaincodeMissing(t *testing.T) {
	m := NewMachine(logger.Discard(), testConfig("amy"), &fakeEnroller{}, &fakePurger{}, &fakeChaincode{missing: true}, &recordingHub{})

	require.ErrorIs(t, m.Start(context.Background()), chaincode.ErrNotInstantiated)
	assert.Equal(t, Failed, m.Outcome(StepFindChaincode))
	assert.Equal(t, Success, m.Outcome(StepEnrolling))
	assert.False(t, m.Ready())
}

func TestRegisterSeedsOnlyMissingOwners(t *testing.T) {
	hub := &recordingHub{}
	cc := &fakeChaincode{owners: []types.Owner{owner("a")}}
	m := NewMachine(logger.Discard(), testConfig("A", "B"), &fakeEnroller{}, &fakePurger{}, cc, hub)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Waiting, m.Outcome(StepRegisterOwners))
	assert.Equal(t, "yes", m.Snapshot().(*AppState).FirstSetup)
	assert.Empty(t, cc.registered)

	env := &types.Envelope{Type: types.TypeSetup, Configure: types.ConfigureRegister, BuildOwners: []string{"A", "B", "b"}}
	require.NoError(t, m.Configure(context.Background(), env))

	assert.Equal(t, []string{"b"}, cc.registered)
	assert.Equal(t, Success, m.Outcome(StepRegisterOwners))
	assert.True(t, m.Ready())
	assertOrdered(t, hub.all())
}

func TestRegisterFailure(t *testing.T) {
	cc := &fakeChaincode{}
	m := NewMachine(logger.Discard(), testConfig("amy"), &fakeEnroller{}, &fakePurger{}, cc, &recordingHub{})
	require.NoError(t, m.Start(context.Background()))

	cc.registerErr = errors.New("endorsement failed")
	err := m.Configure(context.Background(), &types.Envelope{Type: types.TypeSetup, Configure: types.ConfigureRegister})
	require.Error(t, err)
	assert.Equal(t, Failed, m.Outcome(StepRegisterOwners))
	assert.Equal(t, Success, m.Outcome(StepFindChaincode))
}

func TestConfigureEnrollmentAppliesPatchAndSeeds(t *testing.T) {
	cfg := testConfig("amy")
	purger := &fakePurger{}
	enroller := &fakeEnroller{err: enroll.ErrEnrollment}
	cc := &fakeChaincode{}
	m := NewMachine(logger.Discard(), cfg, enroller, purger, cc, &recordingHub{})

	require.Error(t, m.Start(context.Background()))
	assert.Equal(t, Failed, m.Outcome(StepEnrolling))

	enroller.mu.Lock()
	enroller.err = nil
	enroller.mu.Unlock()
	env := &types.Envelope{
		Type:      types.TypeSetup,
		Configure: types.ConfigureEnrollment,
		Patch:     map[string]any{"ca": map[string]any{"enroll_secret": "fixed"}},
	}
	require.NoError(t, m.Configure(context.Background(), env))

	assert.Equal(t, 1, purger.purges)
	require.Len(t, cfg.patches, 1)
	assert.Equal(t, env.Patch, cfg.patches[0])
	assert.Equal(t, []string{"amy"}, cc.registered)
	assert.True(t, m.Ready())
}

func TestConfigureUnknownTarget(t *testing.T) {
	m := NewMachine(logger.Discard(), testConfig(), &fakeEnroller{}, &fakePurger{}, &fakeChaincode{}, nil)
	require.Error(t, m.Configure(context.Background(), &types.Envelope{Type: types.TypeSetup, Configure: "bogus"}))
}

func TestStateOrderingInvariantUnderRandomTransitions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	outcomes := []Outcome{Waiting, Success, Failed}
	for run := 0; run < 500; run++ {
		s := NewState()
		for i := 0; i < 20; i++ {
			step := Steps[rng.Intn(len(Steps))]
			outcome := outcomes[rng.Intn(len(outcomes))]
			accepted := s.Set(step, outcome)
			if outcome == Failed {
				assert.True(t, accepted)
			}
			if s.Get(StepRegisterOwners) == Success {
				require.Equal(t, Success, s.Get(StepEnrolling))
			}
		}
	}
}

func TestStateFailureLeavesOtherSteps(t *testing.T) {
	s := NewState()
	require.True(t, s.Set(StepChecklist, Success))
	require.True(t, s.Set(StepEnrolling, Success))
	require.True(t, s.Set(StepFindChaincode, Failed))
	assert.Equal(t, Success, s.Get(StepChecklist))
	assert.Equal(t, Success, s.Get(StepEnrolling))
	assert.False(t, s.Set(StepRegisterOwners, Success))
	assert.False(t, s.Set("bogus", Success))
}

// gatedAuthority issues an identity for a secret once its gate opens.
type gatedAuthority struct {
	gates   map[string]chan struct{}
	entered chan string
}

func (a *gatedAuthority) Enroll(ctx context.Context, req enroll.Request) (*identity.Identity, error) {
	a.entered <- req.EnrollSecret
	select {
	case <-a.gates[req.EnrollSecret]:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return identity.NewSelfSigned(req.EnrollID, req.MSPID, time.Hour)
}

type memCache struct{}

func (memCache) Load(context.Context, string) (*identity.Identity, error) {
	return nil, credstore.ErrNotFound
}
func (memCache) Store(context.Context, *identity.Identity) error { return nil }
func (memCache) Purge() error { return nil }

func TestQuickReconfigureKeepsNewestIdentity(t *testing.T) {
	ctx := context.Background()
	auth := &gatedAuthority{
		gates: map[string]chan struct{}{
			"first":  make(chan struct{}),
			"second": make(chan struct{}),
		},
		entered: make(chan string, 2),
	}
	cfg := testConfig("amy")

	var mu sync.Mutex
	secret := "first"
	request := func() enroll.Request {
		mu.Lock()
		defer mu.Unlock()
		return enroll.Request{EnrollID: "admin", EnrollSecret: secret, MSPID: "Org1MSP"}
	}
	mgr := enroll.NewManager(logger.Discard(), memCache{}, auth, request)
	cc := &fakeChaincode{owners: []types.Owner{owner("amy")}}
	m := NewMachine(logger.Discard(), cfg, mgr, &fakePurger{}, cc, &recordingHub{})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.Configure(ctx, &types.Envelope{Type: types.TypeSetup, Configure: types.ConfigureEnrollment})
	}()
	require.Equal(t, "first", <-auth.entered)

	mu.Lock()
	secret = "second"
	mu.Unlock()
	close(auth.gates["second"])
	require.NoError(t, m.Configure(ctx, &types.Envelope{Type: types.TypeSetup, Configure: types.ConfigureEnrollment}))
	newest := mgr.Current()
	require.NotNil(t, newest)
	assert.True(t, m.Ready())

	close(auth.gates["first"])
	require.ErrorIs(t, <-firstDone, ErrSuperseded)
	assert.Same(t, newest, mgr.Current())
	assert.True(t, m.Ready())
}

const validConfig = `{
	"channel_id": "mychannel",
	"chaincode_id": "vehicles",
	"peers": {"peer0": "http://peer0:26657"},
	"ca": {"url": "http://ca:7054", "enroll_id": "admin", "enroll_secret": "adminpw"},
	"company": "United Vehicles",
	"owners": ["amy"]
}`

func TestConfigureRereadsEditedConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vehicles.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channel_id": ""}`), 0o600))
	store, err := config.Load(path)
	require.NoError(t, err)

	cc := &fakeChaincode{owners: []types.Owner{owner("amy")}}
	m := NewMachine(logger.Discard(), store, &fakeEnroller{}, &fakePurger{}, cc, &recordingHub{})
	require.ErrorIs(t, m.Start(context.Background()), config.ErrInvalid)
	require.Equal(t, Failed, m.Outcome(StepChecklist))

	// the operator fixes the file by hand and resubmits a bare setup message
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))
	require.NoError(t, m.Configure(context.Background(), &types.Envelope{
		Type:      types.TypeSetup,
		Configure: types.ConfigureEnrollment,
	}))

	assert.Equal(t, Success, m.Outcome(StepChecklist))
	assert.Equal(t, Success, m.Outcome(StepRegisterOwners))
	assert.True(t, m.Ready())
}

func TestConfigureWithoutFieldsStillRereads(t *testing.T) {
	cfg := testConfig("amy")
	cc := &fakeChaincode{owners: []types.Owner{owner("amy")}}
	m := NewMachine(logger.Discard(), cfg, &fakeEnroller{}, &fakePurger{}, cc, &recordingHub{})

	require.NoError(t, m.Configure(context.Background(), &types.Envelope{
		Type:      types.TypeSetup,
		Configure: types.ConfigureFindChaincode,
	}))
	require.Len(t, cfg.patches, 1)
	assert.Empty(t, cfg.patches[0])
}

func TestSupersededPassCannotWrite(t *testing.T) {
	m := NewMachine(logger.Discard(), testConfig("amy"), &fakeEnroller{}, &fakePurger{}, &fakeChaincode{}, &recordingHub{})
	old := m.begin()
	require.NoError(t, old.set(StepChecklist, Success))

	// a newer pass starts while the old one is deciding its next transition
	live := func() bool {
		m.begin()
		return old.current()
	}
	accepted, isLive := m.state.SetIf(live, StepChecklist, Failed)
	assert.False(t, accepted)
	assert.False(t, isLive)
	assert.Equal(t, Success, m.Outcome(StepChecklist))

	require.ErrorIs(t, old.set(StepEnrolling, Failed), ErrSuperseded)
	assert.Equal(t, Waiting, m.Outcome(StepEnrolling))
}
