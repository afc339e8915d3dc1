//go:build !linux

package rpc

import (
	"errors"
	"net"
)

var errPeerCredUnsupported = errors.New("rpc: peer credentials unsupported")

// peerCredentials is not available here; the parent pid carried in the
// request is still checked.
func peerCredentials(*net.UnixConn) (peerCred, error) {
	return peerCred{}, errPeerCredUnsupported
}

// PeerExecutable is not available here.
func PeerExecutable(int) (string, error) {
	return "", errPeerCredUnsupported
}
