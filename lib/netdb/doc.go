// Package netdb implements the neighbor database consulted by every routing
// extension.
//
// The database keeps one Entry per currently or recently seen neighbor:
//   - a summary vector of bundles the neighbor is known to hold
//   - the bloom filter the neighbor sent in its last handshake, with expiry
//   - the set of bundles currently in transit to it (transfer slots)
//   - per extension datasets, e.g. delivery predictabilities
//
// # Thread Safety
//
// One mutex guards the whole database. Entries are only reachable inside
// Database.Do, which holds that mutex for the lifetime of the callback:
//
//	err := db.Do(func(tx *netdb.Tx) error {
//	    entry, err := tx.Get(peer)
//	    if err != nil {
//	        return err
//	    }
//	    return entry.AcquireTransfer(id)
//	})
//
// Entry pointers must not be retained after the callback returns.
//
// Transfer statistics live in a PeerTracker with its own lock so recording an
// outcome never contends with routing decisions.
package netdb
