// Package connstate tracks the daemon connection state machine.
//
// Valid transitions:
//
//	Disconnected -> Connecting -> Connected
//	Connecting | Connected -> Disconnected
//
// Listeners are notified asynchronously; a slow or panicking listener never
// blocks or breaks the caller driving the transition.
package connstate
