// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package background - run processes in the background with
// cooperative shutdown
package background

// T - handle for later stopping the processes
type T struct {
	finished []chan struct{}
	shutdown chan struct{}
}

// Process - a background process must implement Run
//
// Run must return promptly after the shutdown channel is closed
type Process interface {
	Run(args interface{}, shutdown <-chan struct{})
}

// Processes - list of processes to start
type Processes []Process

// Start - start up a set of background processes
// all with the same arg value
func Start(processes Processes, args interface{}) *T {

	register := &T{
		finished: make([]chan struct{}, len(processes)),
		shutdown: make(chan struct{}),
	}

	// start each background
	for i, p := range processes {
		finished := make(chan struct{})
		register.finished[i] = finished
		go func(p Process, finished chan<- struct{}) {
			p.Run(args, register.shutdown)
			close(finished)
		}(p, finished)
	}
	return register
}

// Stop - stop the set of background processes
// does not return until all of the processes have terminated
func (register *T) Stop() {

	if nil == register {
		return
	}

	// shutdown all background tasks
	close(register.shutdown)

	// wait for finished
	for _, finished := range register.finished {
		<-finished
	}
}
