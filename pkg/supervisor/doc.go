// Package supervisor runs a single local proxy daemon.
//
// Invariants:
// - State is always disconnected, connecting or connected.
// - Start and Stop never block on daemon I/O beyond the stop grace period.
// - Events from a process that was stopped or replaced never change state.
// - A daemon that exits on its own moves to disconnected exactly once.
//
// Usage:
//
//	sup := supervisor.New(supervisor.Options{
//		BinaryPath: "/usr/bin/tor",
//		Config: torrc.DaemonConfig{
//			ListenHost:    "127.0.0.1",
//			ListenPort:    9050,
//			DataDirectory: "/var/lib/proxyd/tor",
//		},
//		Logger: logger,
//	})
//	sup.AddListener(connstate.ListenerFuncs{StateChanged: onState})
//	sup.Start()
//	defer sup.Close()
package supervisor
