// Package dom holds one pipeline's private document tree.
//
// A Document wraps the parsed html.Node tree with CSS-selector queries
// (goquery) and the small mutation surface the script task's document
// proxy exposes. Payloads arrive already transcoded to UTF-8 by the
// resource layer.
//
// Documents are owned by exactly one script task goroutine and carry no
// locks. Nothing here crosses a pipeline boundary: layout receives a
// Snapshot, a fresh value tree rebuilt on every reflow, and the sender
// never touches a snapshot after handing it off.
package dom
