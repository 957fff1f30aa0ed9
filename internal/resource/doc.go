/*
Package resource is the engine's shared fetch service.

# Overview

One Service actor accepts requests from every pipeline over a single
channel and serves each on its own goroutine, so a slow origin never
delays intake. Responses carry payloads or typed failures; nothing a
remote host does can crash the service.

# Schemes

  - http/https through resty over a retrying transport, with a politeness
    limiter and a circuit breaker per host
  - about: built-ins (about:blank, and about:crash to exercise the
    pipeline failure path)
  - data: URLs, base64 or percent-encoded
  - file: local files, jailed under Resource.FileRoot when set, with
    generated directory indexes

# Content handling

Media types missing from the response are sniffed from the bytes. Text
payloads in legacy charsets are decoded to UTF-8 using the HTML prescan
first and statistical detection second.

# Cancellation

In-flight fetches are not cancelled when their pipeline dies; the reply
is delivered to a buffered channel and the constellation drops results
addressed to destroyed pipelines.
*/
package resource
