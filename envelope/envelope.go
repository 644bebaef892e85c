// Package envelope holds IDNA-aware helpers for the envelope addresses a
// Context hands to a Handler's MailFrom/RcptTo callbacks.
package envelope

import (
	"strings"

	"golang.org/x/net/idna"
)

// IDNAProfile controls how Domain is converted to/from its ASCII form.
// Defaults to idna.Lookup; assign a different *idna.Profile to change that
// behavior process-wide.
var IDNAProfile = idna.Lookup

// Address is an SMTP envelope address (without angle brackets) split into
// local part and domain, with IDNA conversion available on demand.
type Address struct {
	raw           string
	local, domain string
	split         bool
	ascii, uni    string
}

// New wraps addr (as delivered by MailFrom/RcptTo, without angle brackets)
// into an Address.
func New(addr string) Address {
	return Address{raw: addr}
}

func (a *Address) ensureSplit() {
	if a.split {
		return
	}
	a.split = true
	at := strings.LastIndex(a.raw, "@")
	if at < 0 {
		a.local = a.raw
		return
	}
	a.local = a.raw[:at]
	a.domain = a.raw[at+1:]
}

// String returns the original address as delivered by the MTA.
func (a Address) String() string {
	return a.raw
}

// Local returns the part of the address before the last "@". If there is
// no "@" the whole address is returned.
func (a *Address) Local() string {
	a.ensureSplit()
	return a.local
}

// Domain returns the part of the address after the last "@", or "" if
// there is none.
func (a *Address) Domain() string {
	a.ensureSplit()
	return a.domain
}

// ASCIIDomain returns Domain converted to its ASCII (punycode) form. If
// the domain cannot be converted it is returned unchanged.
func (a *Address) ASCIIDomain() string {
	domain := a.Domain()
	if domain == "" {
		return ""
	}
	if a.ascii != "" {
		return a.ascii
	}
	out, err := IDNAProfile.ToASCII(domain)
	if err != nil {
		a.ascii = domain
		return domain
	}
	a.ascii = out
	return out
}

// UnicodeDomain returns Domain converted to its Unicode form. If the
// domain cannot be converted it is returned unchanged.
func (a *Address) UnicodeDomain() string {
	domain := a.Domain()
	if domain == "" {
		return ""
	}
	if a.uni != "" {
		return a.uni
	}
	out, err := IDNAProfile.ToUnicode(domain)
	if err != nil {
		a.uni = domain
		return domain
	}
	a.uni = out
	return out
}
