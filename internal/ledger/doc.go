// Package ledger records which pipeline outputs were completed.
//
// A directory or binary on disk counts as "done" only when the ledger holds
// a marker for it and, where a fingerprint was recorded, the fingerprint
// still matches. Interrupted acquisitions therefore leave no marker and are
// treated as absent on the next run. The ledger is a small SQLite database
// under the state directory; it does not record job history.
package ledger
