// Package checkpoint writes and reads checkpoint files.
//
// A checkpoint is a line-oriented record stream. Every line starts with a
// one-letter tag followed by tab-separated fields:
//
//	H  version  runID  savedAt
//	S  scopeID  parentScopeID  nodeID
//	V  scopeID/name  type  value  const  fnNode
//	T  threadID  parentID  stmtNode  state  exit  baseScope  curScope  pc  stack  children  callNode  args
//	K  taskID  record
//
// Ids and names are Go-quoted strings. Values are cty JSON carrying their
// own type; program counters, id lists and task records are JSON. Nodes are
// referred to by id only, so loading needs the program the checkpoint was
// written from.
package checkpoint
