// Package task models one unit of external work: a shell program fragment
// with declared input and output files, explicit dependencies, a resource
// request and a lifecycle state.
//
// # State machine
//
//	NEW -> WAITING_DEPENDENCIES -> READY -> RUNNING -> DONE_OK
//	                                              \-> DONE_FAILED
//
// WAITING_DEPENDENCIES and READY may also fail directly (a producer failed
// permanently, or the backend rejected the submission). NEW may fail only
// when a deferred task is killed before activation. Retrying never moves a
// task backward: Retry builds a fresh instance with a new id. A task that
// must run again after a checkpoint is resumed is replaced the same way.
//
// # Concurrency
//
// Configuration fields are written once, before the task is registered with
// the scheduler. Mutable lifecycle fields are guarded by the task's own mutex
// and read through accessors.
package task
