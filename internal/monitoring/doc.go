/*
Package monitoring provides Prometheus metrics for the engine.

# Overview

One Metrics value is created at startup and threaded through the
constellation, the shared services and the compositor. Construction takes
a prometheus.Registerer so tests can use private registries.

# Features

- Pipeline lifecycle metrics (active, created, crashed)
- Compositor frame metrics (count, duration, display items)
- Resource fetch metrics (scheme, status, latency, size, blocklist denials)
- Image cache metrics (decodes, coalesced requests, hit/miss, memory)
- Scheduler worker metrics (active, recovered panics)
- Shell WebSocket metrics

# Usage

	metrics := monitoring.New(prometheus.DefaultRegisterer)
	defer metrics.Close()

	metrics.IncPipelinesTotal()
	metrics.RecordFrame(items, elapsed)

# Metrics Endpoint

The shell exposes the standard Prometheus endpoint:

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
*/
package monitoring
