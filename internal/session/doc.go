// Package session holds live counseling sessions.
//
// A [Session] owns the per-session signal buffers, the analysis engines and
// the analysis histories, plus one connection slot and one analysis cycle
// per [Channel]. The [Registry] creates sessions and drives the lifecycle
// state machine:
//
//	active ──Pause──▶ paused ──Resume──▶ active
//	   │                 │
//	   └──────End────────┴──▶ ended
//
// All exported types are safe for concurrent use.
package session
