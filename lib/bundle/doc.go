// Package bundle defines the in-memory bundle model used by the routing core.
//
// A Bundle is identified by its ID (source endpoint, creation timestamp,
// sequence number and, for fragments, the payload range). MetaBundle is the
// lightweight projection carried through routing decisions so that payloads
// never have to be loaded just to decide where a bundle goes.
//
// The package does not encode bundles on the wire; convergence layers own that.
package bundle
