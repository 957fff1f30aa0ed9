/*
Package resilience provides circuit breakers for the resource fetch stack.

# Overview

Each remote host gets its own three-state breaker (Closed, Open,
Half-Open). A host that keeps failing is answered immediately with
ErrCircuitOpen instead of holding a fetch slot for the full timeout, and
is probed again after the open period.

# Usage

	set := resilience.NewSet(resilience.Settings{
		TripAfter: 5,
		Timeout:   30 * time.Second,
	}, logger)

	err := set.Do(req.URL.Host, func() error {
		return fetch(req)
	})

# Pattern

	Closed --[failures]-> Open --[timeout]-> Half-Open --[probes ok]-> Closed
	                                              |
	                                         [failure]
	                                              v
	                                            Open
*/
package resilience
