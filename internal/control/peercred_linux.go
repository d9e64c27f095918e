//go:build linux

package control

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the kernel-verified identity of a control-socket
// peer, resolved via SO_PEERCRED.
type PeerCredentials struct {
	PID int
	UID uint32
	GID uint32
}

// GetPeerCredentials reads SO_PEERCRED off a Unix domain connection.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("control: not a unix connection")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("control: get syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("control: getsockopt SO_PEERCRED: %w", credErr)
	}

	return &PeerCredentials{PID: int(cred.Pid), UID: cred.Uid, GID: cred.Gid}, nil
}
