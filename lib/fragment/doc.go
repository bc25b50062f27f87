// Package fragment reassembles fragmented bundles.
//
// The Manager is signalled for every stored fragment. Once the fragments
// sharing a source, timestamp and sequence number cover the whole
// application data unit, they are merged in offset order, the result is
// raised as a BundleReceivedEvent and every part is purged. Incomplete sets
// are left alone until the next signal or until they expire.
//
// The Manager also remembers how much payload of a bundle already reached a
// peer so convergence layers can resume interrupted transfers.
package fragment
