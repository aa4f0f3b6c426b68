//go:build linux

package subpool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Dial connects to addr, which is either "vsock:<cid>:<port>" or a plain
// "host:port" TCP address. The vsock form is dialed over AF_VSOCK (spec
// §4.F) and is the form ListenAddr below allocates on Linux for every
// sub-pool; any other address is dialed over TCP.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	if cid, port, ok := parseVsockAddr(addr); ok {
		return vsock.Dial(cid, port, nil)
	}
	return net.DialTimeout("tcp", addr, timeout)
}

// vsockPortAny is VMADDR_PORT_ANY: ask the kernel to assign a free port.
const vsockPortAny = 0xFFFFFFFF

// ListenAddr starts listening on a fresh vsock port (VMADDR_PORT_ANY) bound
// to the host's local CID, returning the address string sub-processes
// should be told to connect back to, in "vsock:<cid>:<port>" form.
func ListenAddr() (net.Listener, string, error) {
	ln, err := vsock.Listen(vsockPortAny, nil)
	if err != nil {
		return nil, "", fmt.Errorf("vsock listen: %w", err)
	}
	vaddr, ok := ln.Addr().(*vsock.Addr)
	if !ok {
		ln.Close()
		return nil, "", fmt.Errorf("unexpected vsock listener address type %T", ln.Addr())
	}
	return ln, fmt.Sprintf("vsock:%d:%d", vaddr.ContextID, vaddr.Port), nil
}

func parseVsockAddr(addr string) (cid, port uint32, ok bool) {
	if !strings.HasPrefix(addr, "vsock:") {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimPrefix(addr, "vsock:"), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	c, err1 := strconv.ParseUint(parts[0], 10, 32)
	p, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(c), uint32(p), true
}
