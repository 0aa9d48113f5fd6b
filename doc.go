// Package objectstore implements a local, crash-consistent object store fronted
// by a write-ahead journal. Collections of named objects are mutated through
// transactions; every transaction is sequenced, optionally journaled ahead of
// application, and recoverable after an unclean shutdown via replay of the
// journal and xattr-stamped replay guards.
//
// Concrete filesystem, directory-index, journal, and ordered key/value store
// implementations live in the fsbackend, dirindex, journalio, and kvstore
// subpackages; the commit pipeline itself lives under internal/.
package objectstore

// Timeout model
//
// Two limits apply:
//  1. The caller-provided context bounds only the caller's own waits:
//     admission and journal submission inside Submit, and RequestSync's
//     wait for its commit cycle. Applies and commit cycles themselves run
//     under context.Background and are not cancelled by it.
//  2. The store's configured CommitTimeout, an internal safety limit on each
//     commit cycle, independent of what the caller's context allows.
//
// A commit cycle that exceeds CommitTimeout aborts the process from a
// watchdog timer (see internal/commit) rather than being silently retried,
// since a stuck commit usually indicates a wedged underlying device.
