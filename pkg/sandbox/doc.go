// Package sandbox manages isolated execution environments for model
// generated code.
//
// An Executor provisions one container per session through a Runtime,
// places files into it with a copy primitive, runs commands with a
// deadline, and releases the container exactly once. Executors keep a
// registry of live handles that health queries can snapshot without
// touching the runtime.
package sandbox
