// Package script owns one pipeline's document lifecycle: fetch the
// payload, parse it, run inline page scripts in a goja sandbox, prefetch
// images, and hand style-input snapshots to layout.
//
// The sandbox gives scripts a document proxy over the live tree and
// nothing else: no host globals, inert timers, interrupt on timeout.
// Script failures are contained; the page renders regardless.
//
// A load of about:crash panics the task on purpose. The scheduler pool
// recovers it and the pipeline surfaces a crash, which is the failure
// path the rest of the engine is tested against.
package script
