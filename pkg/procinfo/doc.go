// Package procinfo resolves process identity for attribution.
//
// Resolver answers three questions: which executable a pid runs
// (ResolvePath), what a human would call it (NameFromPath), and which running
// process carries a given name (LookupName) for log records that only name
// their client. Lookups go through a ProcessSource, gopsutil by default, and
// successful path lookups are cached for a bounded time so a burst of
// activations does not hammer /proc.
package procinfo
