//go:build !linux

package platform

import "net"

func (n *Native) PeerProcessID(conn net.Conn) (int, error) {
	return 0, errPeerUnsupported
}

// ProcessDescends only recognizes the process itself where the process tree
// cannot be read.
func (n *Native) ProcessDescends(pid, ancestor int) bool {
	return pid == ancestor
}
