// Package app wires the engine together: it loads the configuration, builds
// the logger, the executioner registry and the scheduler, and runs, resumes
// or inspects programs. It is decoupled from any entrypoint like a CLI.
package app
