package supervisor

import "errors"

var (
	// ErrConfigWrite means the daemon config could not be written
	ErrConfigWrite = errors.New("daemon config write failed")

	// ErrProcessSpawn means the daemon binary could not be started
	ErrProcessSpawn = errors.New("daemon spawn failed")

	// ErrUnexpectedTermination means the daemon exited without being asked to
	ErrUnexpectedTermination = errors.New("daemon terminated unexpectedly")

	// ErrStaleControlSignal is returned for control requests while the
	// daemon is not connected
	ErrStaleControlSignal = errors.New("daemon not connected, control signal ignored")

	// ErrStartTimeout means the daemon did not become ready in time
	ErrStartTimeout = errors.New("daemon did not become ready in time")

	// ErrIdentityThrottled is returned when identity requests arrive faster
	// than the daemon honours them
	ErrIdentityThrottled = errors.New("new identity requested too soon")
)
