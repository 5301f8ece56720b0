// Package lang holds the statement and expression nodes of the scripting
// language. A parser builds a tree of these nodes; NewProgram assigns stable
// ids and indexes them so checkpoints can refer to nodes by id.
package lang
