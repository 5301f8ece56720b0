// Package config defines the resolved configuration object handed to the
// execution engine at startup, along with its HCL loader.
//
// The configuration serves two consumers:
//   - The global scope, which receives the task option defaults (system, cpus,
//     mem, queue, node, retry, timeout, wallTimeout, canFail, allowEmpty) and
//     the size/time constants as symbols.
//   - The executioner registry, which reads the per-backend blocks (local,
//     ssh, cluster, cloud) when it builds each backend on first use.
//
// A missing configuration file is not an error: Defaults() is returned.
package config
