// Package dag holds the task dependency graph the scheduler checks before a
// task is admitted or a goal is activated.
//
// Need(consumer, producer) means the consumer may only start once the
// producer has finished. Cycle reports the first cycle found with its full
// path so the user sees every task taking part in it.
package dag
