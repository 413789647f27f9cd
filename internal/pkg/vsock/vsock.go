// Package vsock provides a byte-oriented duplex transport: an in-process
// net.Pipe pair, or real AF_VSOCK via github.com/mdlayher/vsock. The
// in-process ReferenceSandbox does not use it; it calls its guest value
// directly.
package vsock

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// Channel is the minimal duplex byte stream both transports satisfy.
type Channel = net.Conn

// InProcessPair returns two ends of an in-memory pipe: one for a host
// side, one for a guest side. It has no kernel dependency.
func InProcessPair() (host Channel, guest Channel) {
	return net.Pipe()
}

// ListenVsock opens a real AF_VSOCK listener on the given port, for
// deployments where the guest is an out-of-process KVM binding rather
// than an in-process Go callback.
func ListenVsock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock: listen port %d: %w", port, err)
	}
	return l, nil
}

// DialVsock connects to a guest's AF_VSOCK CID/port pair.
func DialVsock(cid, port uint32) (Channel, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock: dial %d.%d: %w", cid, port, err)
	}
	return conn, nil
}
