// Package sockets opens TCP descriptors for use with a pollset. Helpers
// return raw fds so callers can register them with Pollset.FdCb directly.
package sockets

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/dshulyak/pollset"
)

// Resolve looks up host and service and returns the candidate socket
// addresses in resolver order. Resolution failures keep their
// *net.DNSError in the chain so callers can tell them from socket
// errors.
func Resolve(ctx context.Context, host, service string) ([]unix.Sockaddr, error) {
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", service, err)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	sas := make([]unix.Sockaddr, 0, len(addrs))
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			sas = append(sas, sa)
		} else {
			sa := &unix.SockaddrInet6{Port: port}
			copy(sa.Addr[:], a.IP.To16())
			sas = append(sas, sa)
		}
	}
	return sas, nil
}

func family(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func connect1(sa unix.Sockaddr) (int, error) {
	fd, err := unix.Socket(family(sa), unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		pollset.ReallyClose(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

// TCPConnect resolves host:service and connects to each candidate in
// order, returning the first descriptor that succeeds.
func TCPConnect(ctx context.Context, host, service string) (int, error) {
	sas, err := Resolve(ctx, host, service)
	if err != nil {
		return -1, err
	}
	err = unix.EADDRNOTAVAIL
	for _, sa := range sas {
		var fd int
		if fd, err = connect1(sa); err == nil {
			return fd, nil
		}
	}
	return -1, err
}

// TCPListen binds the wildcard address on service (a name or a port
// number, "0" for an ephemeral port) and listens.
func TCPListen(service string, backlog int) (int, error) {
	port, err := net.DefaultResolver.LookupPort(context.Background(), "tcp", service)
	if err != nil {
		return -1, fmt.Errorf("resolve %q: %w", service, err)
	}
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	// accept IPv4 peers on the same socket
	unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		pollset.ReallyClose(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		pollset.ReallyClose(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// ListenPort returns the port a listening descriptor is bound to,
// useful after binding port 0.
func ListenPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	}
	return 0, fmt.Errorf("getsockname: unexpected address family")
}
