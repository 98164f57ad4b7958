// Package process launches the background server as a local child process
// in its own process group, so that teardown can signal the whole group at
// once. Combined stdout and stderr are appended to the pair's log file
// through the shared sink.
package process
