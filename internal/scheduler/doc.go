// Package scheduler is the process-wide registry of declared tasks. It
// decides when a task is ready, hands ready tasks to a Launcher, applies the
// retry policy when an attempt fails, and answers the `wait` queries of
// interpreter threads.
//
// # How readiness is decided
//
// A task depends on the producer of each of its declared inputs, found
// through the output index, and on every task it names explicitly. Both are
// resolved when the decision is made, not when the task is registered, so a
// task whose producer was retried waits on the retry:
//
//   - the output index always points at the newest instance of a producer;
//   - explicit ids are followed through the replaced-by chain.
//
// An input with no producer is treated as a file that already exists.
//
// # Cycles
//
// Add rejects a task that would close a dependency cycle among the tasks
// still pending, and Goal validates the whole graph it is about to activate
// before activating anything. Both report the full cycle path.
//
// # Concurrency
//
// A single mutex guards the registry and the output index. The scheduling
// loop runs in its own goroutine and is woken on every state change; launches
// run in goroutines because backend admission may block.
package scheduler
