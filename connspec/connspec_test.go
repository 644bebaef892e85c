package connspec

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    *Spec
		network string
		address string
		wantErr bool
	}{
		{"unix", "unix:/var/run/milter.sock", &Spec{Family: FamilyUnix, Path: "/var/run/milter.sock"}, "unix", "/var/run/milter.sock", false},
		{"inet no host", "inet:8892", &Spec{Family: FamilyInet, Port: 8892}, "tcp4", ":8892", false},
		{"inet with host", "inet:8892@127.0.0.1", &Spec{Family: FamilyInet, Host: "127.0.0.1", Port: 8892}, "tcp4", "127.0.0.1:8892", false},
		{"inet6 with host", "inet6:8892@::1", &Spec{Family: FamilyInet6, Host: "::1", Port: 8892}, "tcp6", "[::1]:8892", false},
		{"unknown scheme", "foo:bar", nil, "", "", true},
		{"no scheme", "justastring", nil, "", "", true},
		{"empty unix path", "unix:", nil, "", "", true},
		{"bad port", "inet:abc", nil, "", "", true},
		{"zero port", "inet:0", nil, "", "", true},
		{"port too big", "inet:99999", nil, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrBadSpec) {
					t.Errorf("Parse() error %v does not wrap ErrBadSpec", err)
				}
				return
			}
			if *got != *tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
			if got.Network() != tt.network {
				t.Errorf("Network() = %q, want %q", got.Network(), tt.network)
			}
			if got.Address() != tt.address {
				t.Errorf("Address() = %q, want %q", got.Address(), tt.address)
			}
		})
	}
}
