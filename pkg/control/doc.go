// Package control talks to the daemon's control port.
//
// The daemon publishes its control address to <datadir>/controlport as
// "PORT=127.0.0.1:<n>" and an auth cookie to <datadir>/control_auth_cookie.
// A Watcher notices both files appear, Discover validates them, and Dial
// opens an authenticated connection that owns the daemon process:
//
//	w, _ := control.NewWatcher(control.WatcherConfig{
//		DataDirectory: dir,
//		WithCookie:    true,
//		OnReady: func(e control.Endpoint) {
//			client, err := control.Dial(ctx, e.Addr, e.Cookie, logger)
//			...
//		},
//	})
//	w.Start()
//
// Only loopback addresses are accepted, and a cookie older than the port
// file is treated as left over from a previous run.
//
// Asynchronous events reach the handler set with SetEventHandler once
// subscribed. Subscriptions nest; SETEVENTS is only sent when an event is
// first subscribed or last unsubscribed.
package control
