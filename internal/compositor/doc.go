// Package compositor runs the engine's main goroutine. Startup follows
// a strict rendezvous: the constellation sends its command channel over
// a one-shot channel, the compositor blocks on the receive, and only
// then do the initial loads go out, so no command can race engine
// startup. Shutdown mirrors it: the compositor sends Exit exactly once
// and keeps presenting until ShutdownComplete, then closes the surface
// and returns control to main.
package compositor
