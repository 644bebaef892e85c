package main

import (
	"fmt"
	"log"

	"github.com/norihiro-kitaoka/milter-manager"
)

// logHandler is a no-op milter that logs every callback it receives and the
// macro values that changed since the last callback. It is meant as a
// minimal, runnable example of wiring a milter.Handler to milter.Listener,
// not as a production content filter.
type logHandler struct {
	milter.NoOpHandler

	id          uint64
	macroValues map[milter.MacroName]string
}

func (h *logHandler) log(format string, v ...any) {
	log.Printf(fmt.Sprintf("[%d] %s", h.id, format), v...)
}

func (h *logHandler) NewConnection(m milter.Modifier) error {
	h.id = m.ContextId()
	h.log("NewConnection")
	return nil
}

func (h *logHandler) Connect(host string, family string, port uint16, addr string, m milter.Modifier) (*milter.Reply, error) {
	h.log("CONNECT host = %q, family = %q, port = %d, addr = %q", host, family, port, addr)
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) Helo(name string, m milter.Modifier) (*milter.Reply, error) {
	h.log("HELO %q", name)
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) MailFrom(from string, esmtpArgs string, m milter.Modifier) (*milter.Reply, error) {
	addr := milter.MailEnvelope(m)
	h.log("MAIL FROM <%s> %s (domain %s)", from, esmtpArgs, addr.ASCIIDomain())
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) RcptTo(rcptTo string, esmtpArgs string, m milter.Modifier) (*milter.Reply, error) {
	addr := milter.RcptEnvelope(m)
	h.log("RCPT TO <%s> %s (domain %s)", rcptTo, esmtpArgs, addr.ASCIIDomain())
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) Data(m milter.Modifier) (*milter.Reply, error) {
	h.log("DATA")
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) Header(name string, value string, m milter.Modifier) (*milter.Reply, error) {
	h.log("HEADER %s: %q", name, value)
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) Headers(m milter.Modifier) (*milter.Reply, error) {
	h.log("EOH")
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) BodyChunk(chunk []byte, m milter.Modifier) (*milter.Reply, error) {
	h.log("BODY CHUNK size = %d", len(chunk))
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) EndOfMessage(m milter.Modifier) (*milter.Reply, error) {
	h.log("EOM")
	h.outputChangedMacros(m)
	return milter.RespAccept, nil
}

func (h *logHandler) Abort(m milter.Modifier) error {
	h.log("ABORT")
	h.outputChangedMacros(m)
	return nil
}

func (h *logHandler) Unknown(cmd string, m milter.Modifier) (*milter.Reply, error) {
	h.log("UNKNOWN %q", cmd)
	h.outputChangedMacros(m)
	return milter.RespContinue, nil
}

func (h *logHandler) Cleanup(m milter.Modifier) {
	h.log("cleanup")
	h.macroValues = nil
}

var loggedMacros = []milter.MacroName{
	milter.MacroMTAFullyQualifiedDomainName,
	milter.MacroDaemonName,
	milter.MacroIfName,
	milter.MacroIfAddr,
	milter.MacroTlsVersion,
	milter.MacroCipher,
	milter.MacroCipherBits,
	milter.MacroCertSubject,
	milter.MacroCertIssuer,
	milter.MacroQueueId,
	milter.MacroAuthType,
	milter.MacroAuthAuthen,
	milter.MacroAuthSsf,
	milter.MacroAuthAuthor,
	milter.MacroMailMailer,
	milter.MacroMailHost,
	milter.MacroMailAddr,
	milter.MacroRcptMailer,
	milter.MacroRcptHost,
	milter.MacroRcptAddr,
	milter.MacroRFC1413AuthInfo,
	milter.MacroHopCount,
	milter.MacroSenderHostName,
	milter.MacroProtocolUsed,
	milter.MacroMTAPid,
}

func (h *logHandler) outputChangedMacros(m milter.Modifier) {
	if h.macroValues == nil {
		h.macroValues = make(map[milter.MacroName]string)
	}
	for _, name := range loggedMacros {
		oldValue := h.macroValues[name]
		newValue := m.Get(name)
		if oldValue != newValue {
			if oldValue != "" {
				h.log("  macro %s value %q -> %q", name, oldValue, newValue)
			} else {
				h.log("  macro %s value %q", name, newValue)
			}
		}
		h.macroValues[name] = newValue
	}
}

var _ milter.Handler = (*logHandler)(nil)
