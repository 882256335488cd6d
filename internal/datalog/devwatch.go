package datalog

import (
	"github.com/fsnotify/fsnotify"
)

// WatchDir watches dir (recursively one level, the working directory layout
// this cache uses) for externally-written files — a rule or fact file
// edited by hand outside the normal firehose-driven flush path during
// development — and calls onChange whenever something is written, created
// or removed. The watch is not tied to any context: its goroutine runs until
// the process exits.
func (d *DatalogCache) WatchDir(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// WatchSolverBinary watches the solver's binary path for a new write (e.g.
// a development rebuild of the souffle binary) and calls onChange so a
// caller can, for instance, log that the next invocation will use a freshly
// built solver.
func (d *DatalogCache) WatchSolverBinary(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.solver.BinaryPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for event := range watcher.Events {
			if event.Op&fsnotify.Write == fsnotify.Write {
				onChange()
			}
		}
	}()
	return nil
}
