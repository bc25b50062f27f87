// Package core assembles the daemon.
//
// Core builds the storage, the event bus, the neighbor database, the
// connection manager, the router with its extensions and the fragment
// manager from one configuration snapshot, and wires them together on the
// bus. Inject is the single ingress point for bundles: received bundles
// arrive through BundleReceivedEvent, generated ones through the router.
//
// A one second tick drives maintenance. Each tick first applies a staged
// configuration, then expires stored bundles and raises the TimeEvent every
// component uses for its own expiry.
package core
