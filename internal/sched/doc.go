// Package sched owns goroutine lifecycles for the engine.
//
// Pool supervises the long-lived actors (constellation, services, pipeline
// workers): each is launched by name, panics are recovered and routed to
// the owner's crash callback, and Shutdown joins everything. WorkQueue is
// the short-task counterpart used for parallel layout traversals.
//
// The pool deliberately does not cancel workers. Actors stop when their
// command channels tell them to; Shutdown only waits. This keeps exit
// ordering in the hands of the constellation, which knows the protocol.
package sched
