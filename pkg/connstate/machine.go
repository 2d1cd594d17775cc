package connstate

import (
	"sync"

	"github.com/rs/zerolog"
)

// State is the daemon connection state
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the lower-case state name
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Listener observes state transitions and daemon log lines
type Listener interface {
	OnStateChanged(state State)
	OnLogLine(line string)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	StateChanged func(State)
	LogLine      func(string)
}

func (f ListenerFuncs) OnStateChanged(state State) {
	if f.StateChanged != nil {
		f.StateChanged(state)
	}
}

func (f ListenerFuncs) OnLogLine(line string) {
	if f.LogLine != nil {
		f.LogLine(line)
	}
}

// ListenerID identifies a registration for RemoveListener
type ListenerID uint64

type registration struct {
	id       ListenerID
	listener Listener
}

type eventKind int

const (
	stateEvent eventKind = iota
	logEvent
)

type event struct {
	kind  eventKind
	state State
	line  string
}

// validTransitions lists the only moves the machine accepts
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine holds the current State and fans events out to listeners.
// Events are delivered on a single notifier goroutine, in the order they
// were produced and in listener registration order.
type Machine struct {
	mu        sync.Mutex
	state     State
	listeners []registration
	nextID    ListenerID

	queueMu sync.Mutex
	queue   []event
	wake    chan struct{}
	closed  bool
	done    chan struct{}

	logger zerolog.Logger
}

// New creates a machine in the Disconnected state
func New(logger zerolog.Logger) *Machine {
	m := &Machine{
		state:  Disconnected,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.notifyLoop()
	return m
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state if the move is valid. It returns the
// previous state and whether a transition happened.
func (m *Machine) Transition(to State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !allowed(from, to) {
		return from, false
	}
	m.setLocked(to)
	return from, true
}

// CompareAndTransition moves from -> to only if the current state is from
func (m *Machine) CompareAndTransition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from || !allowed(from, to) {
		return false
	}
	m.setLocked(to)
	return true
}

func (m *Machine) setLocked(to State) {
	from := m.state
	m.state = to
	m.enqueue(event{kind: stateEvent, state: to})

	m.logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Connection state changed")
}

func allowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PublishLog forwards a daemon log line to listeners
func (m *Machine) PublishLog(line string) {
	m.enqueue(event{kind: logEvent, line: line})
}

// AddListener registers l and returns its id
func (m *Machine) AddListener(l Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.listeners = append(m.listeners, registration{id: m.nextID, listener: l})
	return m.nextID
}

// RemoveListener drops a registration. Unknown ids are ignored.
func (m *Machine) RemoveListener(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, reg := range m.listeners {
		if reg.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close delivers pending events and stops the notifier
func (m *Machine) Close() {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.queueMu.Unlock()

	m.signal()
	<-m.done
}

func (m *Machine) enqueue(ev event) {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.queueMu.Unlock()
	m.signal()
}

func (m *Machine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) notifyLoop() {
	defer close(m.done)

	for range m.wake {
		for {
			m.queueMu.Lock()
			if len(m.queue) == 0 {
				closed := m.closed
				m.queueMu.Unlock()
				if closed {
					return
				}
				break
			}
			batch := m.queue
			m.queue = nil
			m.queueMu.Unlock()

			for _, ev := range batch {
				m.dispatch(ev)
			}
		}
	}
}

func (m *Machine) dispatch(ev event) {
	m.mu.Lock()
	regs := append([]registration(nil), m.listeners...)
	m.mu.Unlock()

	for _, reg := range regs {
		m.deliver(reg, ev)
	}
}

func (m *Machine) deliver(reg registration, ev event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Uint64("listener_id", uint64(reg.id)).
				Interface("panic", r).
				Msg("Listener panicked, skipping")
		}
	}()

	switch ev.kind {
	case stateEvent:
		reg.listener.OnStateChanged(ev.state)
	case logEvent:
		reg.listener.OnLogLine(ev.line)
	}
}
