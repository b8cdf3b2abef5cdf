// Package progress defines the stage-transition events emitted while a subject
// moves through the recipe pipeline, and the publish/subscribe bus that carries
// them from workers to the progress gateway.
//
// The bus is a live status signal rather than an event log: events are
// fire-and-forget, a subscriber that is not connected when an event is
// published never sees it, and no acknowledgment or persistence is involved.
// Every pipeline step republishes its own state so the last event seen for a
// subject reflects the latest truth even when earlier ones were lost.
package progress
