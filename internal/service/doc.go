// Package service implements supervision of build workers.
//
// Overview
// The Supervisor owns the active workers, keyed by job id. Start registers the
// build in the Registry and asks a Spawner for a worker. The worker reports its
// progress over a one way ipc channel; it is never told anything back.
//
// Do is the polling loop. Every interval it sweeps all channels without
// blocking, accepts the messages which are valid transitions of the job state
// and hands them to the registry and to the job callbacks. Registry updates
// and callbacks are ordered per job, independently of each other, so a slow
// callback never holds the registry back. Terminal jobs are reaped at the end
// of the sweep: their channel is closed and the job forgotten.
//
// Data flow:
//
//	Start ----> Registry.Insert
//	  |
//	  +-------> Spawner.Spawn ----> worker process
//	                                     |
//	Do (every interval)                  | ipc.Sender
//	  |                                  v
//	  +-- sweep: Channel.Poll <---- ipc channel
//	        |
//	        +-- dispatch (goroutines per message, ordered per job)
//	        |     +-- Registry.Update
//	        |     `-- callbacks (concurrent, errors and panics logged)
//	        +-- stateChange
//	        `-- reapDefunct
//
// Invariants:
//   - At most one worker per job id until it is reaped.
//   - Callbacks of one job observe its states in order.
//   - A job is reaped exactly once, in the sweep accepting its terminal state.
//   - A channel ending before a terminal state is reported as ERROR.
//   - Workers outlive the supervisor. On shutdown their channels are closed
//     and the processes are left alone.
//   - Shutdown waits for callbacks at most the shutdown timeout, then cancels
//     their context.
//
// ExecSpawner runs every worker as a child process of the same binary, see
// WorkerCommand.
package service
