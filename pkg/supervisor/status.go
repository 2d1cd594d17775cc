package supervisor

import (
	"time"

	"github.com/harun/proxyd/pkg/connstate"
)

// Status is a point-in-time snapshot of the supervised daemon
type Status struct {
	State            string     `json:"state"`
	Running          bool       `json:"running"`
	Ready            bool       `json:"ready"`
	PID              int        `json:"pid,omitempty"`
	RunID            string     `json:"run_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ProxyURI         string     `json:"proxy_uri"`
	ControlConnected bool       `json:"control_connected"`
}

// Status returns a snapshot of the daemon state
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.machine.State()
	st := Status{
		State:    state.String(),
		Ready:    state == connstate.Connected,
		ProxyURI: s.opts.Config.ProxyURI(),
	}

	if r := s.cur; r != nil {
		startedAt := r.startedAt
		st.Running = r.handle.Alive()
		st.PID = r.handle.PID()
		st.RunID = r.id
		st.StartedAt = &startedAt
		st.ControlConnected = r.control != nil
	}
	return st
}
