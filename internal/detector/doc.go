// Package detector implements the polling change detector.
//
// The detector discovers post mutations made through any write path,
// including ones that bypass the store's change hooks, and reports them to a
// post.Sink.
//
// ARCHITECTURE:
//
// Periodic Scan:
// Start schedules a scan immediately and then every interval on the
// configured clock. Each scan lists every post, fingerprints its watched
// fields, and diffs against an in-memory snapshot:
//   - unseen id: snapshot entry created, no event (the record predates the
//     detector, so this is not a creation signal)
//   - fingerprint or updated_at differs: entry replaced, updated emitted
//   - unchanged: nothing
//   - id missing from the listing: entry removed (deletion by absence)
//
// Scan Guard:
// Ticks and manual Scan calls share one guard per detector; at most one scan
// runs at a time and a concurrent attempt returns ErrScanInProgress.
//
// Failure Handling:
// A failed listing is logged and counted. The snapshot is left untouched, so
// the next good scan reports every change since the last good baseline. The
// schedule is never torn down by a failed scan.
//
// Duplicates:
// The store's hooks report the same transitions immediately. Consumers may
// see one update from each path for a single write.
package detector
