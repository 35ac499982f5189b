package startup

import "sync"

// Step is one stage of the startup pipeline.
type Step string

const (
	StepChecklist      Step = "checklist"
	StepEnrolling      Step = "enrolling"
	StepFindChaincode  Step = "find_chaincode"
	StepRegisterOwners Step = "register_owners"
)

// Steps lists the pipeline in the order it must succeed.
var Steps = []Step{StepChecklist, StepEnrolling, StepFindChaincode, StepRegisterOwners}

var stepTags = map[Step]string{
	StepChecklist:      "step1",
	StepEnrolling:      "step2",
	StepFindChaincode:  "step3",
	StepRegisterOwners: "step4",
}

// Outcome is the state of a single step.
type Outcome string

const (
	Waiting Outcome = "waiting"
	Success Outcome = "success"
	Failed  Outcome = "failed"
)

// StepState is how a step appears in app_state.
type StepState struct {
	State Outcome `json:"state"`
	Step  string  `json:"step"`
}

// AppState is the app_state message: every step plus first_setup.
type AppState struct {
	Msg        string             `json:"msg"`
	State      map[Step]StepState `json:"state"`
	FirstSetup string             `json:"first_setup"`
}

func (m *AppState) Kind() string { return m.Msg }

// State is the startup checklist. It enforces that a step only succeeds once
// every earlier step has; a failure may be recorded at any time and leaves
// the other steps untouched.
type State struct {
	mu         sync.RWMutex
	outcomes   map[Step]Outcome
	firstSetup bool
}

// NewState returns a state with every step waiting and first setup pending.
func NewState() *State {
	s := &State{outcomes: make(map[Step]Outcome, len(Steps)), firstSetup: true}
	for _, step := range Steps {
		s.outcomes[step] = Waiting
	}
	return s
}

// Set records outcome for step and reports whether it was accepted.
func (s *State) Set(step Step, outcome Outcome) bool {
	ok, _ := s.SetIf(always, step, outcome)
	return ok
}

func always() bool { return true }

// SetIf is Set guarded by live, which is evaluated under the state lock. When
// live reports false nothing changes and the second result is false.
func (s *State) SetIf(live func() bool, step Step, outcome Outcome) (accepted, isLive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !live() {
		return false, false
	}
	if _, known := s.outcomes[step]; !known {
		return false, true
	}
	if outcome == Success {
		for _, prev := range Steps {
			if prev == step {
				break
			}
			if s.outcomes[prev] != Success {
				return false, true
			}
		}
	}
	s.outcomes[step] = outcome
	return true, true
}

// Get returns the outcome of step.
func (s *State) Get(step Step) Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcomes[step]
}

// SetFirstSetup flips the first_setup flag.
func (s *State) SetFirstSetup(v bool) {
	s.SetFirstSetupIf(always, v)
}

// SetFirstSetupIf flips the flag only while live reports true.
func (s *State) SetFirstSetupIf(live func() bool, v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !live() {
		return false
	}
	s.firstSetup = v
	return true
}

// Ready reports whether the last step succeeded and first setup is over.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcomes[StepRegisterOwners] == Success && !s.firstSetup
}

// Message builds the app_state message from the current state.
func (s *State) Message() *AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg := &AppState{Msg: "app_state", State: make(map[Step]StepState, len(Steps)), FirstSetup: "no"}
	for _, step := range Steps {
		msg.State[step] = StepState{State: s.outcomes[step], Step: stepTags[step]}
	}
	if s.firstSetup {
		msg.FirstSetup = "yes"
	}
	return msg
}
