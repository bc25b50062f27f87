package transport

import (
	"errors"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/netdb"
)

var log = logger.GetGoI2PLogger()

// error for when no registered convergence layer can reach the neighbor
var ErrNoTransportAvailable = errors.New("no transports available")

var (
	// ErrNeighborNotAvailable is returned for peers missing from the registry.
	ErrNeighborNotAvailable = netdb.ErrNeighborNotAvailable
	// ErrP2PDialup is returned when the only path to a peer is a dial-up link
	// that has been asked to come up.
	ErrP2PDialup = errors.New("peer-to-peer dial-up in progress")
	// ErrRefusedByFilter is returned when the output filter rejects a transfer.
	ErrRefusedByFilter = errors.New("transfer refused by output filter")
	// ErrTransferReleased is returned when a consumed ticket is used again.
	ErrTransferReleased = errors.New("transfer already released")
)
