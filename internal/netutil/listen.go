// Package netutil provides the control-socket listener helper used by
// cmd/mfmountd.
package netutil

import (
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Listen binds network/address, retrying once on a unix socket whose
// path is already bound but unreachable — the stale leftover of a
// crashed prior daemon — by removing the path and binding again.
func Listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		listener, err := net.Listen(network, address)
		return listener, errors.Wrapf(err, "netutil: listen %s %s", network, address)
	}
	listener, err := net.Listen(network, address)
	if err != nil && strings.HasSuffix(err.Error(), "bind: address already in use") && !reachable(address) {
		log.WithField("address", address).Warn("netutil: removing stale control socket")
		if rmErr := os.Remove(address); rmErr != nil {
			return nil, errors.Wrapf(rmErr, "netutil: removing stale socket %q", address)
		}
		listener, err = net.Listen(network, address)
	}
	return listener, errors.Wrapf(err, "netutil: listen unix %s", address)
}

// reachable reports whether some process is actually accepting
// connections on pathname, as opposed to the path being a leftover
// socket file from a process that no longer exists.
func reachable(pathname string) bool {
	conn, err := net.Dial("unix", pathname)
	if conn != nil {
		defer func() { _ = conn.Close() }()
	}
	if err == nil {
		return true
	}
	return !strings.HasSuffix(err.Error(), "connect: connection refused")
}
