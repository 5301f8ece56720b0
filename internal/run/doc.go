// Package run is the interpreter core: execution threads walking statement
// trees, the run-state machine every construct honors, and the Runtime that
// ties threads to the task scheduler and the checkpoint gate.
//
// A thread's position is an explicit program counter, a stack of frames
// holding a node id and the number of children already completed. Leaf
// statements run and advance their frame while holding the read side of the
// runtime's checkpoint gate, so a snapshot, which takes the write side, only
// ever sees threads between statements. Resuming replays the saved frames in
// CHECKPOINT_RECOVER mode until the innermost one is reached.
package run
