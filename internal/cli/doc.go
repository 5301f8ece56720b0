// Package cli builds the bds command tree, validates user input and maps
// failures to process exit codes. It translates flags into the app's
// configuration.
package cli
