// Package layout turns document snapshots into display lists.
//
// Each pipeline owns one layout task. A reflow runs fixed phases: style
// computation over the snapshot, flow tree construction, constraint
// solving (intrinsic widths bottom-up, available widths top-down, heights
// and stacking bottom-up), then display list building. With a work queue
// attached, the bottom-up passes fan out across top-level subtrees; the
// top-down pass is inherently sequential.
//
// The task is message-driven and holds no document state between
// reflows. Shutdown is two-phase: PrepareToExit finishes in-flight work
// and goes quiescent, ExitNow returns.
package layout
