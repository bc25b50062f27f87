// Package routing decides which bundles go to which neighbor.
//
// A Router receives the core events, keeps the shared ledger of known and
// purged bundles, maintains the neighbor database and fans every event out
// to its extensions. Each extension owns a worker goroutine with an
// unbounded task queue, so Notify never blocks the event bus.
//
// # Extensions
//
//   - neighbor: direct delivery to the destination and transport of routing
//     control bundles.
//   - handshake: exchange of summary vectors, purge vectors and extension
//     items with neighbors.
//   - retransmission: exponential backoff for requeued transfers.
//   - static: regular expression routes to a fixed next hop.
//   - flooding, epidemic, prophet: forwarding strategies, at most one of them
//     is installed.
//
// A strategy search runs under the neighbor database lock: the free transfer
// slots of the peer bound the query, and every selected bundle gets its slot
// before the lock is released. Tickets are handed to the connection manager
// afterwards.
//
// # Errors
//
// Errors matched by IsExpected are retried on the next trigger and only
// logged at debug level. Any other error stops the extension's worker.
//
// # Usage Example
//
//	r, err := routing.New(routing.Options{
//		LocalEID:    "dtn://node",
//		DB:          db,
//		Connections: manager,
//		Storage:     store,
//		Events:      bus,
//	})
//	if err != nil {
//		return err
//	}
//	exts, err := routing.NewExtensions(routing.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	for _, ext := range exts {
//		r.AddExtension(ext)
//	}
//	bus.Subscribe(r, r.Kinds()...)
//	r.Start()
//	defer r.Stop()
package routing
