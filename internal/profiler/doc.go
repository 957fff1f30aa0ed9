// Package profiler collects timing samples from every engine component.
//
// Samples are fire-and-forget: Record never blocks and drops on a full
// buffer, so a stalled profiler cannot stall layout or compositing. One
// aggregation worker retains a bounded series per category and logs
// mean/p50/p90/max tables on the configured period, mirroring each sample
// into a Prometheus histogram when a registry is supplied.
package profiler
