// Package activation reference-counts consumers of the proxy daemon.
//
// The first attached consumer starts the daemon. The last one to detach
// stops it and clears its session data, but only when the tracker was the
// one that started it. Detaching with no consumers attached is ignored.
package activation
