// Package connspec parses the milter connection-spec grammar used to
// describe where a Listener should bind: inet:PORT[@HOST], inet6:PORT[@HOST]
// and unix:PATH. It never touches the filesystem or network; Parse is pure.
package connspec

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrBadSpec is returned, wrapped with details, when a connection spec does
// not match the inet:/inet6:/unix: grammar.
var ErrBadSpec = errors.New("connspec: malformed connection spec")

// Family identifies which address family a Spec describes.
type Family int

const (
	FamilyUnix Family = iota
	FamilyInet
	FamilyInet6
)

func (f Family) String() string {
	switch f {
	case FamilyUnix:
		return "unix"
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	default:
		return "unknown"
	}
}

// Spec is a parsed connection spec.
type Spec struct {
	Family Family
	// Host is the optional bind address for FamilyInet/FamilyInet6 specs.
	// Empty means "all interfaces".
	Host string
	// Port is the TCP port for FamilyInet/FamilyInet6 specs.
	Port uint16
	// Path is the socket path for FamilyUnix specs.
	Path string
}

// Network returns the net.Listen-compatible network name for spec (one of
// "unix", "tcp4", "tcp6").
func (s *Spec) Network() string {
	switch s.Family {
	case FamilyInet:
		return "tcp4"
	case FamilyInet6:
		return "tcp6"
	default:
		return "unix"
	}
}

// Address returns the net.Listen-compatible address string for spec.
func (s *Spec) Address() string {
	if s.Family == FamilyUnix {
		return s.Path
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// Parse parses spec according to the grammar:
//
//	inet:PORT[@HOST]
//	inet6:PORT[@HOST]
//	unix:PATH
//
// PORT must be a decimal number in [1, 65535]. HOST may be a hostname or
// literal address; when omitted the Listener binds all interfaces. PATH is
// used verbatim.
func Parse(spec string) (*Spec, error) {
	scheme, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q: missing scheme", ErrBadSpec, spec)
	}
	switch scheme {
	case "unix":
		if rest == "" {
			return nil, fmt.Errorf("%w: %q: empty unix socket path", ErrBadSpec, spec)
		}
		return &Spec{Family: FamilyUnix, Path: rest}, nil
	case "inet", "inet6":
		portStr, host, _ := strings.Cut(rest, "@")
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("%w: %q: invalid port %q", ErrBadSpec, spec, portStr)
		}
		family := FamilyInet
		if scheme == "inet6" {
			family = FamilyInet6
		}
		return &Spec{Family: family, Host: host, Port: uint16(port)}, nil
	default:
		return nil, fmt.Errorf("%w: %q: unknown scheme %q", ErrBadSpec, spec, scheme)
	}
}
