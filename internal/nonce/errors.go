package nonce

import "fmt"

var (
	// ErrRemoteNonce is returned when the network-reported nonce could not be read
	ErrRemoteNonce = fmt.Errorf("couldn't read nonce from network")

	// ErrReservationClosed is returned when a reservation is used after Commit or Release
	ErrReservationClosed = fmt.Errorf("nonce reservation already closed")
)
