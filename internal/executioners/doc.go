// Package executioners is the process-wide cache of executioner backends.
//
// Backends are registered as factories keyed by their `system` name and built
// on first use; every later lookup returns the same instance. The registry is
// also the scheduler's launcher: it admits a task through the backend's
// budget, submits it, and hands the job to a shared monitor. Shutdown kills
// what is still running and closes every backend built during the run.
package executioners
