// Package msg defines the messages that cross actor boundaries: commands
// into the constellation, events from pipeline workers, and notifications
// out to the compositor.
//
// Everything here is a value, sent once and never aliased by the sender
// afterwards. Render trees travel by pointer but ownership transfers with
// the send.
package msg
