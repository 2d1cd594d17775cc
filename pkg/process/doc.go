// Package process abstracts the daemon process behind a Handle so the
// supervisor never touches os/exec directly.
//
// Invariants:
// - Output reaches EOF exactly when the process has exited and its
//   pipe is drained.
// - Terminate is safe to call on an exited process.
//
// Usage:
//
//	spawner := process.NewExecSpawner(logger)
//	h, err := spawner.Spawn(ctx, process.SpawnRequest{Binary: "/usr/bin/tor", Args: []string{"-f", torrc}})
//	if err != nil {
//		return err
//	}
//	defer h.Terminate(5 * time.Second)
package process
