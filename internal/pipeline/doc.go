// Package pipeline pairs one script worker with one layout worker for a
// single frame. The pair shares a per-pipeline image cache view and a
// command channel from script to layout; everything else they touch is
// a shared immutable service. Shutdown is two-phase: PrepareToExit lets
// an in-flight reflow finish, ExitNow stops the loops, and a watcher
// goroutine closes Done once both workers have returned, whether they
// exited cleanly or crashed.
package pipeline
