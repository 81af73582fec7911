// Package sync implements the schema-cache synchronization protocol between
// replicas sharing one metadata store.
//
// Two long-lived tasks cooperate through a single-slot mailbox:
//
//   - The Listener polls the store for the current metadata resource version
//     at a fixed interval and publishes every observed version into the
//     mailbox. The mailbox is deliberately lossy: only the latest version
//     matters, so intermediate values are overwritten rather than queued.
//
//   - The Processor blocks on the mailbox and hands each received version to
//     the Reconciler, which compares it against the local cache's version and
//     applies either no invalidation, a targeted diff accumulated from the
//     store's change notifications, or a full invalidation when a gap in the
//     notification history means intermediate changes may have been missed.
//
// Both loops run until their context is cancelled and survive arbitrary
// store-connectivity failures; errors are logged at the loop boundary and the
// next cycle retries naturally.
package sync
