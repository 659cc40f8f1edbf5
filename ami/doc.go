// Package ami provides a read-only detector view over a named
// online-monitoring channel, filtered by a validated predicate expression.
//
// Filter expressions are built from primitive predicates (bounded numeric
// range, event-code equality, rate threshold) combined with And/Or. An
// expression is validated when it is attached to a detector, never at read
// time. Detectors depend on a connected control session for staging but
// have an independent staging lifecycle.
package ami
