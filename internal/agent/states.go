package agent

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

// State is a step of the turn lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateAssemblingContext State = "assembling_context"
	StatePrompting         State = "prompting"
	StateAwaitingModel     State = "awaiting_model"
	StateParsing           State = "parsing"
	StateExecutingTools    State = "executing_tools"
	StatePersisting        State = "persisting"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

const (
	eventAssemble = "assemble"
	eventPrompt   = "prompt"
	eventSend     = "send"
	eventReceive  = "receive"
	eventReprompt = "reprompt"
	eventExecute  = "execute"
	eventPersist  = "persist"
	eventFinish   = "finish"
	eventFail     = "fail"
)

// eventFor names the event that moves a turn into each state.
var eventFor = map[State]string{
	StateAssemblingContext: eventAssemble,
	StateAwaitingModel:     eventSend,
	StateParsing:           eventReceive,
	StateExecutingTools:    eventExecute,
	StatePersisting:        eventPersist,
	StateDone:              eventFinish,
	StateFailed:            eventFail,
}

func turnEvents() fsm.Events {
	return fsm.Events{
		{Name: eventAssemble, Src: []string{string(StateIdle)}, Dst: string(StateAssemblingContext)},
		{Name: eventPrompt, Src: []string{string(StateAssemblingContext)}, Dst: string(StatePrompting)},
		{Name: eventSend, Src: []string{string(StatePrompting)}, Dst: string(StateAwaitingModel)},
		{Name: eventReceive, Src: []string{string(StateAwaitingModel)}, Dst: string(StateParsing)},
		// one corrective round trip after a malformed reply
		{Name: eventReprompt, Src: []string{string(StateParsing)}, Dst: string(StatePrompting)},
		{Name: eventExecute, Src: []string{string(StateParsing)}, Dst: string(StateExecutingTools)},
		{Name: eventPersist, Src: []string{string(StateParsing), string(StateExecutingTools)}, Dst: string(StatePersisting)},
		{Name: eventFinish, Src: []string{string(StatePersisting)}, Dst: string(StateDone)},
		{
			Name: eventFail,
			Src: []string{
				string(StateIdle),
				string(StateAssemblingContext),
				string(StatePrompting),
				string(StateAwaitingModel),
				string(StateParsing),
				string(StateExecutingTools),
				string(StatePersisting),
			},
			Dst: string(StateFailed),
		},
	}
}

// turnMachine validates transitions and records the path a turn took. The
// controller does the work for each state itself.
type turnMachine struct {
	fsm  *fsm.FSM
	path []State
	log  *logging.Logger
}

func newTurnMachine(log *logging.Logger) *turnMachine {
	m := &turnMachine{path: []State{StateIdle}, log: log}
	m.fsm = fsm.NewFSM(string(StateIdle), turnEvents(), fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			m.path = append(m.path, State(e.Dst))
			m.log.Event(logging.EventTurnTransition, logging.F("from", e.Src), logging.State(e.Dst))
		},
	})
	return m
}

// Current returns the state the turn is in.
func (m *turnMachine) Current() State { return State(m.fsm.Current()) }

// Path returns every state visited, starting with Idle.
func (m *turnMachine) Path() []State { return append([]State(nil), m.path...) }

// to moves the turn into next.
func (m *turnMachine) to(ctx context.Context, next State) error {
	event, ok := eventFor[next]
	if next == StatePrompting {
		event, ok = eventPrompt, true
		if m.Current() == StateParsing {
			event = eventReprompt
		}
	}
	if !ok {
		return fmt.Errorf("no event leads to %s", next)
	}
	if err := m.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("turn %s -> %s: %w", m.Current(), next, err)
	}
	return nil
}
