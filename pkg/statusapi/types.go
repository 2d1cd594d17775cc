package statusapi

import (
	"time"

	"github.com/harun/proxyd/pkg/activation"
	"github.com/harun/proxyd/pkg/probe"
	"github.com/harun/proxyd/pkg/supervisor"
)

// Event names carried on /events
const (
	EventHello = "hello"
	EventState = "state"
	EventLog   = "log"
)

// Report is the body of GET /status
type Report struct {
	supervisor.Status

	Consumers         int                 `json:"consumers"`
	Owned             bool                `json:"owned"`
	Leases            []*activation.Lease `json:"leases,omitempty"`
	NextRotation      *time.Time          `json:"next_rotation,omitempty"`
	LastRotation      *time.Time          `json:"last_rotation,omitempty"`
	LastRotationError string              `json:"last_rotation_error,omitempty"`
	Probe             *probe.Result       `json:"probe,omitempty"`
}

// EventMessage is one frame on the /events stream
type EventMessage struct {
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// StateData is the payload of state and hello events
type StateData struct {
	State string `json:"state"`
}

// LogData is the payload of log events
type LogData struct {
	Line string `json:"line"`
}

// ClientInfo describes a connected event subscriber
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	IPAddress   string    `json:"ipAddress"`
	Dropped     int64     `json:"dropped"`
}

type errorBody struct {
	Error string `json:"error"`
}
