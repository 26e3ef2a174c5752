package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/switchyard/internal/events"
)

// State is a step of the dispatch state machine.
type State string

const (
	StateReceived     State = "received"
	StateParsed       State = "parsed"
	StateResolved     State = "resolved"
	StateContextReady State = "context_ready"
	StateExecuting    State = "executing"
	StateValidated    State = "validated"
	StateCompleted    State = "completed"
	StateDegraded     State = "degraded"
	StateRejected     State = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDegraded || s == StateRejected
}

var transitions = map[State][]State{
	StateReceived:     {StateParsed, StateRejected, StateDegraded},
	StateParsed:       {StateResolved, StateRejected, StateDegraded},
	StateResolved:     {StateContextReady, StateDegraded},
	StateContextReady: {StateExecuting, StateDegraded},
	StateExecuting:    {StateValidated, StateDegraded},
	StateValidated:    {StateCompleted, StateDegraded},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine is the per-dispatch state. It is never shared between dispatches.
type machine struct {
	id      string
	app     string
	state   State
	last    State // last non-terminal state
	started time.Time
	logger  *slog.Logger
	events  events.Publisher
}

type stateEvent struct {
	DispatchID string `json:"dispatch_id"`
	App        string `json:"app,omitempty"`
	From       State  `json:"from"`
	To         State  `json:"to"`
}

func newMachine(id string, logger *slog.Logger, pub events.Publisher) *machine {
	m := &machine{
		id:      id,
		state:   StateReceived,
		last:    StateReceived,
		started: time.Now(),
		logger:  logger,
		events:  pub,
	}
	m.logger.Debug("dispatch state", "state", StateReceived)
	m.publish(StateReceived, StateReceived)
	return m
}

func (m *machine) advance(to State) error {
	from := m.state
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal dispatch transition %s → %s", from, to)
	}
	m.state = to
	if !to.Terminal() {
		m.last = to
	}
	m.logger.Debug("dispatch state", "from", from, "to", to)
	m.publish(from, to)
	return nil
}

func (m *machine) publish(from, to State) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.DispatchState, stateEvent{DispatchID: m.id, App: m.app, From: from, To: to})
}
