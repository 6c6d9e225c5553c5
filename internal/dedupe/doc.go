// Package dedupe provides a time- and size-bounded cache of seen keys. The
// relay hub uses it to drop a republish of an event ID it already fanned out.
package dedupe
