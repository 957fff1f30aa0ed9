// Package constellation is the supervisor above every pipeline. It owns
// the pipeline table, focus, and the back/forward history stacks, all
// confined to one goroutine: commands arrive from the compositor,
// events arrive from pipeline workers, and both are serialized through
// the run loop. Pipelines are destroyed when their load fails, when a
// worker crashes, when history eviction reaps them, or when the engine
// exits; events naming a destroyed pipeline are dropped, which is how
// in-flight work from a dead page is discarded.
package constellation
