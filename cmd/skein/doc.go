// Package main is the entry point for the skein browser engine.
//
// The process is an actor system on OS threads and goroutines:
//
//	Compositor (main goroutine) ← notifications ← Constellation
//	                            → commands      →
//	Constellation → Pipelines (script + layout worker per page)
//	Pipelines → Resource service → network / data / file fetch
//	          → Image cache     → coalesced decodes
//
// The compositor owns the main goroutine for the whole process
// lifetime and is the only component that may start shutdown. With the
// shell enabled, frames stream to WebSocket subscribers and the same
// socket carries navigation input back in.
//
// Usage:
//
//	# load a page headless
//	./skein -headless -url https://example.com
//
//	# serve the debug shell and stream frames to it
//	./skein -shell 127.0.0.1:9100 -url https://example.com
//
//	# restore the previous session
//	./skein -config skein.yaml
//
// Configuration comes from the config file, then environment variables,
// then flags, later sources overriding earlier ones.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown with session save
package main
