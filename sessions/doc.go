// Package sessions owns the lifetime of remote-control sessions: the session
// entity and its state machine (attended and unattended modes, viewer rosters,
// reconnect semantics), the concurrent registry keyed by the desktop's
// connection identifier, the background sweeper that evicts expired or
// unclaimed sessions, and the event-sink surface the registry reports
// lifecycle changes through.
//
// Registries are explicit, constructor-injected instances with a defined
// lifecycle: create them at process start, run the sweeper under a context you
// cancel at shutdown, and pass them to consumers. There is no ambient
// process-wide registry.
package sessions
