//go:build linux

package platform

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// PeerProcessID reads SO_PEERCRED from the socket.
func (n *Native) PeerProcessID(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("peer lookup needs a unix socket, got %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, fmt.Errorf("failed to read peer credentials: %w", credErr)
	}
	return int(cred.Pid), nil
}

// maxAncestry bounds the walk up the process tree.
const maxAncestry = 16

// ProcessDescends walks the parent chain of pid through /proc.
func (n *Native) ProcessDescends(pid, ancestor int) bool {
	for i := 0; i < maxAncestry && pid > 1; i++ {
		if pid == ancestor {
			return true
		}
		ppid, err := parentPID(pid)
		if err != nil {
			return false
		}
		pid = ppid
	}
	return pid == ancestor
}

// parentPID reads the fourth field of /proc/<pid>/stat. The command name in
// the second field may contain spaces, so parsing starts after its closing
// parenthesis.
func parentPID(pid int) (int, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat for process %d", pid)
	}
	fields := bytes.Fields(data[end+1:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed stat for process %d", pid)
	}
	return strconv.Atoi(string(fields[1]))
}
