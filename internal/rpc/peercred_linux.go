//go:build linux

package rpc

import (
	"errors"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

var errPeerCredUnsupported = errors.New("rpc: peer credentials unsupported")

// peerCredentials returns the pid and uid of the process on the other end of
// conn.
func peerCredentials(conn *net.UnixConn) (peerCred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return peerCred{}, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return peerCred{}, err
	}
	if credErr != nil {
		return peerCred{}, credErr
	}
	return peerCred{PID: int(cred.Pid), UID: int(cred.Uid)}, nil
}

// PeerExecutable returns the path of the binary process pid is running.
// Reading another user's set-id process needs privileges.
func PeerExecutable(pid int) (string, error) {
	return os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
}
