package milter

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/norihiro-kitaoka/milter-manager/internal/wire"
	"github.com/norihiro-kitaoka/milter-manager/milterutil"
	wireproto "github.com/norihiro-kitaoka/milter-manager/wire"
)

const dialerSupportedProtocolMasksV2 = OptNoConnect | OptNoHelo | OptNoMailFrom | OptNoRcptTo | OptNoBody | OptNoHeaders | OptNoEOH
const dialerSupportedProtocolMasksV3 = dialerSupportedProtocolMasksV2 | OptNoUnknown
const dialerSupportedProtocolMasksV4 = dialerSupportedProtocolMasksV3 | OptNoData

// NetDialer is the subset of net.Dialer that Dialer depends on, so tests
// can substitute their own.
type NetDialer interface {
	Dial(network string, addr string) (net.Conn, error)
}

// Dialer drives a test or probe connection to a Listener as an MTA would:
// it opens the TCP/unix socket, negotiates the protocol, and exposes the
// per-message Session calls (Conn, Helo, Mail, Rcpt, ...) a real MTA issues.
//
// Dialer exists for tests and for cmd/milter-probe; production MTAs
// (sendmail, Postfix) are the actual milter clients of a Listener.
type Dialer struct {
	config  config
	dialer  NetDialer
	network string
	address string
}

// NewDialer creates a Dialer connecting to network/address (as accepted by
// net.Dial, or by the NetDialer passed via WithDialer).
//
// Defaults: 10 second connection/read/write timeouts, every action this
// library can apply, every protocol feature this library supports for
// MaxClientProtocolVersion, and DataSize64K buffers. See the Option
// functions in config.go for how to override these.
//
// This function panics when given invalid options.
func NewDialer(network, address string, opts ...Option) *Dialer {
	cfg := config{
		readTimeout:    10 * time.Second,
		writeTimeout:   10 * time.Second,
		maxVersion:     MaxClientProtocolVersion,
		actions:        AllClientSupportedActionMasks,
		protocol:       AllClientSupportedProtocolMasks,
		offeredMaxData: DataSize64K,
		usedMaxData:    DataSize64K,
		macrosByStage: [][]MacroName{
			{MacroMTAFullyQualifiedDomainName, MacroDaemonName, MacroIfName, MacroIfAddr},
			{MacroTlsVersion, MacroCipher, MacroCipherBits, MacroCertSubject, MacroCertIssuer},
			{MacroAuthType, MacroAuthAuthen, MacroAuthSsf, MacroAuthAuthor, MacroMailMailer, MacroMailHost, MacroMailAddr},
			{MacroRcptMailer, MacroRcptHost, MacroRcptAddr},
			{},
			{MacroQueueId},
			{},
		},
	}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	if cfg.maxVersion > MaxClientProtocolVersion || cfg.maxVersion == 1 {
		panic("milter: this library cannot handle this milter version")
	}
	if cfg.offeredMaxData != DataSize64K && cfg.offeredMaxData != DataSize256K && cfg.offeredMaxData != DataSize1M {
		panic("milter: wrong data size passed to WithOfferedMaxData")
	}
	if cfg.protocol != 0 {
		var all OptProtocol
		switch cfg.maxVersion {
		case 2:
			all = dialerSupportedProtocolMasksV2
		case 3:
			all = dialerSupportedProtocolMasksV3
		case 4:
			all = dialerSupportedProtocolMasksV4
		default:
			all = AllClientSupportedProtocolMasks
		}
		if cfg.protocol&^all != 0 {
			panic(fmt.Sprintf("milter: invalid protocol options for milter version %d %q", cfg.maxVersion, cfg.protocol))
		}
	}
	if cfg.protocol == 0 {
		switch cfg.maxVersion {
		case 2:
			cfg.protocol = dialerSupportedProtocolMasksV2
		case 3:
			cfg.protocol = dialerSupportedProtocolMasksV3
		case 4, 5:
			cfg.protocol = dialerSupportedProtocolMasksV4
		default:
			cfg.protocol = AllClientSupportedProtocolMasks
		}
	}
	if cfg.newHandler != nil {
		panic("milter: WithHandler/WithDynamicHandler is a Listener only option")
	}
	if cfg.negotiationCallback != nil {
		panic("milter: WithNegotiationCallback is a Listener only option")
	}

	nd := cfg.netDialer
	if nd == nil {
		nd = &net.Dialer{Timeout: 10 * time.Second}
	}
	return &Dialer{
		config:  cfg,
		dialer:  nd,
		network: network,
		address: address,
	}
}

// String returns the network and address this Dialer connects to.
func (d *Dialer) String() string {
	return fmt.Sprintf("%s:%s", d.network, d.address)
}

// Session opens a new connection and negotiates protocol features with the
// Listener at network/address.
//
// macros defines what this Session sends to the Listener; nil sends none.
// Set macro values as soon as known (e.g. MacroMTAFullyQualifiedDomainName
// before calling Session). Clearing command-scoped macros like
// MacroRcptMailer after the command runs is the caller's responsibility.
func (d *Dialer) Session(macros Macros) (*Session, error) {
	conn, err := d.dialer.Dial(d.network, d.address)
	if err != nil {
		return nil, fmt.Errorf("milter: session create: %w", err)
	}
	return d.session(conn, macros)
}

func (d *Dialer) session(conn net.Conn, macros Macros) (*Session, error) {
	s := &Session{
		readTimeout:    d.config.readTimeout,
		writeTimeout:   d.config.writeTimeout,
		state:          sessionStateClosed,
		macros:         macros,
		macrosByStages: make([][]string, StageEndMarker),
		maxBodySize:    uint32(d.config.usedMaxData),
	}
	copy(s.macrosByStages, d.config.macrosByStage)
	s.conn = conn
	if err := s.negotiate(d.config.maxVersion, d.config.actions, d.config.protocol, d.config.offeredMaxData); err != nil {
		return nil, err
	}
	return s, nil
}

type sessionState uint32

const (
	sessionStateClosed sessionState = iota
	sessionStateNegotiated
	sessionStateConnectCalled
	sessionStateHeloCalled
	sessionStateMailCalled
	sessionStateRcptCalled
	sessionStateDataCalled
	sessionStateHeaderFieldCalled
	sessionStateHeaderEndCalled
	sessionStateBodyChunkCalled
	sessionStateError
)

// Session drives one simulated SMTP connection against a Listener.
type Session struct {
	conn net.Conn

	version      uint32
	actionOpts   OptAction
	protocolOpts OptProtocol

	maxBodySize        uint32
	negotiatedBodySize uint32

	state       sessionState
	skip        bool
	skipUnknown bool
	closedErr   error

	readTimeout  time.Duration
	writeTimeout time.Duration

	macros         Macros
	macrosByStages [][]MacroName
}

func (s *Session) errorOut(err error) error {
	s.state = sessionStateError
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.macros = nil
	s.macrosByStages = nil
	return err
}

func (s *Session) negotiate(maximumVersion uint32, actionMask OptAction, protoMask OptProtocol, requestedMaxBuffer DataSize) error {
	pkt := &wireproto.Packet{
		Tag:  wireproto.Tag(wireproto.CodeOptNeg),
		Data: make([]byte, 4*3),
	}
	binary.BigEndian.PutUint32(pkt.Data, maximumVersion)
	binary.BigEndian.PutUint32(pkt.Data[4:], uint32(actionMask))
	switch requestedMaxBuffer {
	case DataSize256K:
		binary.BigEndian.PutUint32(pkt.Data[8:], uint32(protoMask)|optMds256K)
	case DataSize1M:
		binary.BigEndian.PutUint32(pkt.Data[8:], uint32(protoMask)|optMds1M)
	default:
		binary.BigEndian.PutUint32(pkt.Data[8:], uint32(protoMask))
	}

	if err := s.writePacket(pkt); err != nil {
		return s.errorOut(fmt.Errorf("milter: negotiate: optneg write: %w", err))
	}
	resp, err := wireproto.ReadPacket(s.conn, s.readTimeout)
	if err != nil {
		return s.errorOut(fmt.Errorf("milter: negotiate: optneg read: %w", err))
	}
	if resp.Tag != wireproto.Tag(wireproto.CodeOptNeg) {
		return s.errorOut(fmt.Errorf("milter: negotiate: unexpected tag: %v", rune(resp.Tag)))
	}
	if len(resp.Data) < 4*3 {
		return s.errorOut(fmt.Errorf("milter: negotiate: unexpected data size: %v", len(resp.Data)))
	}
	listenerVersion := binary.BigEndian.Uint32(resp.Data[0:])
	if listenerVersion < 2 || listenerVersion > maximumVersion {
		return s.errorOut(fmt.Errorf("milter: negotiate: unsupported protocol version: %v", listenerVersion))
	}
	s.version = listenerVersion

	listenerActionMask := OptAction(binary.BigEndian.Uint32(resp.Data[4:]))
	if listenerActionMask&actionMask != listenerActionMask {
		return s.errorOut(fmt.Errorf("milter: negotiate: unsupported actions requested: dialer %q listener %q", actionMask, listenerActionMask))
	}
	s.actionOpts = listenerActionMask
	listenerProtoMask := OptProtocol(binary.BigEndian.Uint32(resp.Data[8:]))

	switch {
	case uint32(listenerProtoMask)&optMds1M == optMds1M:
		s.negotiatedBodySize = uint32(DataSize1M)
	case uint32(listenerProtoMask)&optMds256K == optMds256K:
		s.negotiatedBodySize = uint32(DataSize256K)
	default:
		s.negotiatedBodySize = uint32(DataSize64K)
	}

	listenerProtoMask = listenerProtoMask & (^OptProtocol(optInternal))
	if listenerProtoMask&protoMask != listenerProtoMask {
		return s.errorOut(fmt.Errorf("milter: negotiate: unsupported protocol options requested: dialer %q listener %q", protoMask, listenerProtoMask))
	}

	if listenerVersion <= 2 {
		listenerProtoMask = listenerProtoMask | OptNoUnknown
	}
	if listenerVersion <= 3 {
		listenerProtoMask = listenerProtoMask | OptNoData
	}
	s.protocolOpts = listenerProtoMask
	s.state = sessionStateNegotiated

	if len(resp.Data) > 4*4 {
		s.macrosByStages = make([][]string, StageEndMarker)
		l := len(resp.Data)
		offset := 4 * 3
		for l > offset+4 {
			stage := binary.BigEndian.Uint32(resp.Data[offset:])
			offset += 4
			requestedMacros := wire.ReadCString(resp.Data[offset:])
			offset += len(requestedMacros)
			if l <= offset || resp.Data[offset] != 0 {
				LogWarning("macros for stage %d are not null-terminated, skipping rest of list: %s", stage, requestedMacros)
				break
			}
			offset++
			if stage < uint32(StageConnect) || stage >= uint32(StageEndMarker) {
				LogWarning("got request for unknown stage %d, ignoring this entry", stage)
				continue
			}
			if s.macrosByStages[MacroStage(stage)] != nil {
				LogWarning("macros for stage %d were sent multiple times: %q is overwriting %q", stage, requestedMacros, strings.Join(s.macrosByStages[MacroStage(stage)], " "))
			}
			s.macrosByStages[MacroStage(stage)] = parseRequestedMacros(requestedMacros)
		}
	}
	for i := range s.macrosByStages {
		if s.macrosByStages[i] != nil {
			s.macrosByStages[i] = removeDuplicates(s.macrosByStages[i])
		}
	}
	return nil
}

// ProtocolOption reports whether opt was negotiated.
func (s *Session) ProtocolOption(opt OptProtocol) bool {
	return s.protocolOpts&opt != 0
}

// ActionOption reports whether opt was negotiated.
func (s *Session) ActionOption(opt OptAction) bool {
	return s.actionOpts&opt != 0
}

func (s *Session) sendMacros(tag wireproto.Tag, names []MacroName) error {
	if s.macros == nil {
		return nil
	}
	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeMacro), Data: []byte{byte(tag)}}
	found := false
	for _, name := range names {
		if val, ok := s.macros.GetEx(name); ok {
			found = true
			pkt.Data = wire.AppendCString(pkt.Data, name)
			pkt.Data = wire.AppendCString(pkt.Data, val)
		}
	}
	if !found {
		return nil
	}
	if err := s.writePacket(pkt); err != nil {
		return fmt.Errorf("milter: sendMacros: %w", err)
	}
	return nil
}

func (s *Session) sendCmdMacros(tag wireproto.Tag, macros map[MacroName]string) error {
	if len(macros) == 0 {
		return nil
	}
	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeMacro), Data: []byte{byte(tag)}}
	for name, val := range macros {
		pkt.Data = wire.AppendCString(pkt.Data, name)
		pkt.Data = wire.AppendCString(pkt.Data, val)
	}
	if err := s.writePacket(pkt); err != nil {
		return fmt.Errorf("milter: sendMacros: %w", err)
	}
	return nil
}

func (s *Session) readAction(skipOk bool) (*Action, error) {
	for {
		pkt, err := wireproto.ReadPacket(s.conn, s.readTimeout)
		if err != nil {
			return nil, s.errorOut(fmt.Errorf("action read: %w", err))
		}
		if wireproto.ActionTag(pkt.Tag) == wireproto.ActProgress {
			continue
		}
		act, err := parseAction(pkt)
		if err != nil {
			return nil, err
		}
		if act.Type == ActionSkip && !skipOk {
			return nil, fmt.Errorf("action read: unexpected skip message received (can only be received after SMFIC_RCPT, SMFIC_HEADER, SMFIC_BODY when SMFIP_SKIP was negotiated)")
		}
		return act, err
	}
}

func (s *Session) writePacket(pkt *wireproto.Packet) error {
	return wireproto.WritePacket(s.conn, pkt, s.writeTimeout)
}

var actionContinue = &Action{Type: ActionContinue}

// Conn sends the connection information. Call once per session
// (Session to Close); after Reset, call it again.
func (s *Session) Conn(hostname string, family ProtoFamily, port uint16, addr string) (*Action, error) {
	if s.state != sessionStateNegotiated {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	s.skip = false
	s.state = sessionStateConnectCalled

	if len(s.macrosByStages) > int(StageConnect) && len(s.macrosByStages[StageConnect]) > 0 {
		if err := s.sendMacros(wireproto.Tag(wireproto.CodeConn), s.macrosByStages[StageConnect]); err != nil {
			return nil, err
		}
	}
	if s.ProtocolOption(OptNoConnect) {
		return actionContinue, nil
	}

	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeConn)}
	pkt.Data = wire.AppendCString(pkt.Data, hostname)
	pkt.Data = append(pkt.Data, byte(family))
	if family != FamilyUnknown {
		if family == FamilyInet || family == FamilyInet6 {
			pkt.Data = wireproto.AppendUint16(pkt.Data, port)
		} else if family == FamilyUnix {
			pkt.Data = wireproto.AppendUint16(pkt.Data, 0)
		}
		pkt.Data = wire.AppendCString(pkt.Data, addr)
	}
	if err := s.writePacket(pkt); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: conn: %w", err))
	}
	if s.ProtocolOption(OptNoConnReply) {
		return actionContinue, nil
	}
	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: conn: %w", err))
	}
	if act.Type == ActionDiscard {
		LogWarning("Connect got a discard action, ignoring it")
		act.Type = ActionContinue
	}
	return act, nil
}

// Helo sends the HELO/EHLO hostname. Call once per session; a further call
// is normal after a simulated STARTTLS.
func (s *Session) Helo(helo string) (*Action, error) {
	if s.state != sessionStateConnectCalled && s.state != sessionStateHeloCalled {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	s.skip = false
	s.state = sessionStateHeloCalled

	if len(s.macrosByStages) > int(StageHelo) && len(s.macrosByStages[StageHelo]) > 0 {
		if err := s.sendMacros(wireproto.Tag(wireproto.CodeHelo), s.macrosByStages[StageHelo]); err != nil {
			return nil, s.errorOut(err)
		}
	}
	if s.ProtocolOption(OptNoHelo) {
		return actionContinue, nil
	}
	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeHelo), Data: wire.AppendCString(nil, helo)}
	if err := s.writePacket(pkt); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: helo: %w", err))
	}
	if s.ProtocolOption(OptNoHeloReply) {
		return actionContinue, nil
	}
	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: helo: %w", err))
	}
	if act.Type == ActionDiscard {
		LogWarning("Helo got a discard action, ignoring it")
		act.Type = ActionContinue
	}
	return act, nil
}

// Mail sends MAIL FROM, sender without angle brackets, plus optional
// ESMTP arguments.
func (s *Session) Mail(sender string, esmtpArgs string) (*Action, error) {
	if s.state != sessionStateHeloCalled {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	s.skip = false
	s.state = sessionStateMailCalled

	if len(s.macrosByStages) > int(StageMail) && len(s.macrosByStages[StageMail]) > 0 {
		if err := s.sendMacros(wireproto.Tag(wireproto.CodeMail), s.macrosByStages[StageMail]); err != nil {
			return nil, s.errorOut(err)
		}
	}
	if s.ProtocolOption(OptNoMailFrom) {
		return actionContinue, nil
	}
	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeMail)}
	pkt.Data = wire.AppendCString(pkt.Data, "<"+sender+">")
	if len(esmtpArgs) > 0 {
		pkt.Data = wire.AppendCString(pkt.Data, esmtpArgs)
	}
	if err := s.writePacket(pkt); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: mail: %w", err))
	}
	if s.ProtocolOption(OptNoMailReply) {
		return actionContinue, nil
	}
	return s.readAction(false)
}

// Rcpt sends RCPT TO, recipient without angle brackets, plus optional
// ESMTP arguments. May be called multiple times.
func (s *Session) Rcpt(rcpt string, esmtpArgs string) (*Action, error) {
	if s.state != sessionStateMailCalled && s.state != sessionStateRcptCalled {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	if s.skip {
		return actionContinue, nil
	}
	s.state = sessionStateRcptCalled

	if len(s.macrosByStages) > int(StageRcpt) && len(s.macrosByStages[StageRcpt]) > 0 {
		if err := s.sendMacros(wireproto.Tag(wireproto.CodeRcpt), s.macrosByStages[StageRcpt]); err != nil {
			return nil, s.errorOut(err)
		}
	}
	if s.ProtocolOption(OptNoRcptTo) {
		return actionContinue, nil
	}
	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeRcpt)}
	pkt.Data = wire.AppendCString(pkt.Data, "<"+rcpt+">")
	if len(esmtpArgs) > 0 {
		pkt.Data = wire.AppendCString(pkt.Data, esmtpArgs)
	}
	if err := s.writePacket(pkt); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: rcpt: %w", err))
	}
	if s.ProtocolOption(OptNoRcptReply) {
		return actionContinue, nil
	}
	act, err := s.readAction(s.ProtocolOption(OptSkip))
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: rcpt: %w", err))
	}
	if act.Type == ActionSkip {
		s.skip = true
		return actionContinue, nil
	}
	return act, nil
}

// DataStart sends the DATA start event. Header calls this automatically
// if it was not already called explicitly.
func (s *Session) DataStart() (*Action, error) {
	if s.state != sessionStateRcptCalled {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	s.skip = false
	s.state = sessionStateDataCalled

	if s.version > 3 && len(s.macrosByStages) > int(StageData) && len(s.macrosByStages[StageData]) > 0 {
		if err := s.sendMacros(wireproto.Tag(wireproto.CodeData), s.macrosByStages[StageData]); err != nil {
			return nil, s.errorOut(err)
		}
	}
	if s.ProtocolOption(OptNoData) {
		return actionContinue, nil
	}
	if err := s.writePacket(&wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeData)}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: data: %w", err))
	}
	if s.ProtocolOption(OptNoDataReply) {
		return actionContinue, nil
	}
	return s.readAction(false)
}

func trimLastLineBreak(in string) string {
	l := len(in)
	if l > 2 && in[l-2:] == "\r\n" {
		return in[:l-2]
	}
	if l > 1 && (in[l-1:] == "\n" || in[l-1:] == "\r") {
		return in[:l-1]
	}
	return in
}

// HeaderField sends a single header field. value may still carry its
// trailing CRLF; it is trimmed automatically. Call HeaderEnd after the
// last field. macros are only sent when the Listener wants header data and
// did not skip it.
func (s *Session) HeaderField(key, value string, macros map[MacroName]string) (*Action, error) {
	if s.state > sessionStateHeaderFieldCalled || s.state < sessionStateDataCalled {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	if s.skip {
		return actionContinue, nil
	}
	s.state = sessionStateHeaderFieldCalled

	if s.ProtocolOption(OptNoHeaders) {
		return actionContinue, nil
	}
	if err := s.sendCmdMacros(wireproto.Tag(wireproto.CodeHeader), macros); err != nil {
		return nil, s.errorOut(err)
	}
	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeHeader)}
	pkt.Data = wire.AppendCString(pkt.Data, key)
	pkt.Data = wire.AppendCString(pkt.Data, trimLastLineBreak(value))
	if err := s.writePacket(pkt); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: header field: %w", err))
	}
	if s.ProtocolOption(OptNoHeaderReply) {
		return actionContinue, nil
	}
	act, err := s.readAction(s.ProtocolOption(OptSkip))
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: header field: %w", err))
	}
	if act.Type == ActionSkip {
		s.skip = true
		return actionContinue, nil
	}
	return act, nil
}

// HeaderEnd sends the end-of-headers event. No HeaderField calls after this.
func (s *Session) HeaderEnd() (*Action, error) {
	if s.state > sessionStateHeaderFieldCalled || s.state < sessionStateDataCalled {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	s.skip = false
	s.state = sessionStateHeaderEndCalled

	if len(s.macrosByStages) > int(StageEOH) && len(s.macrosByStages[StageEOH]) > 0 {
		if err := s.sendMacros(wireproto.Tag(wireproto.CodeEOH), s.macrosByStages[StageEOH]); err != nil {
			return nil, s.errorOut(err)
		}
	}
	if s.ProtocolOption(OptNoEOH) {
		return actionContinue, nil
	}
	if err := s.writePacket(&wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeEOH)}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: header end: %w", err))
	}
	if s.ProtocolOption(OptNoEOHReply) {
		return actionContinue, nil
	}
	return s.readAction(false)
}

// Header sends every field of hdr followed by HeaderEnd.
func (s *Session) Header(hdr textproto.Header) (*Action, error) {
	if s.state < sessionStateRcptCalled || s.state > sessionStateHeaderFieldCalled {
		return nil, s.errorOut(fmt.Errorf("milter: in wrong state %d", s.state))
	}
	if s.state == sessionStateRcptCalled {
		act, err := s.DataStart()
		if err != nil || act.Type != ActionContinue {
			return act, err
		}
	}
	if !s.ProtocolOption(OptNoHeaders) && !s.skip {
		for f := hdr.Fields(); f.Next(); {
			act, err := s.HeaderField(f.Key(), f.Value(), nil)
			if err != nil || act.Type != ActionContinue {
				return act, err
			}
			if s.skip {
				break
			}
		}
	}
	return s.HeaderEnd()
}

// BodyChunk sends one body chunk; it is the caller's responsibility to
// keep each chunk within the negotiated DataSize.
func (s *Session) BodyChunk(chunk []byte) (*Action, error) {
	if s.state < sessionStateHeaderEndCalled || s.state > sessionStateBodyChunkCalled {
		return nil, s.errorOut(fmt.Errorf("milter: body: in wrong state %d", s.state))
	}
	s.state = sessionStateBodyChunkCalled
	if s.skip {
		return actionContinue, nil
	}
	if s.ProtocolOption(OptNoBody) {
		return actionContinue, nil
	}
	if len(chunk) > int(s.maxBodySize) {
		return nil, s.errorOut(fmt.Errorf("milter: body: too big body chunk: %d > %d", len(chunk), s.maxBodySize))
	}
	if err := s.writePacket(&wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeBody), Data: chunk}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: body chunk: %w", err))
	}
	if s.ProtocolOption(OptNoBodyReply) {
		return actionContinue, nil
	}
	act, err := s.readAction(s.ProtocolOption(OptSkip))
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: body chunk: %w", err))
	}
	if act.Type == ActionSkip {
		s.skip = true
		return actionContinue, nil
	}
	return act, nil
}

// BodyReadFrom calls BodyChunk repeatedly to transmit r's entire content,
// then calls End.
func (s *Session) BodyReadFrom(r io.Reader) ([]ModifyAction, *Action, error) {
	if s.state < sessionStateHeaderEndCalled || s.state > sessionStateBodyChunkCalled {
		return nil, nil, s.errorOut(fmt.Errorf("milter: body: in wrong state %d", s.state))
	}
	if !s.ProtocolOption(OptNoBody) && !s.skip {
		scanner := milterutil.GetFixedBufferScanner(s.maxBodySize, r)
		defer scanner.Close()
		for scanner.Scan() {
			act, err := s.BodyChunk(scanner.Bytes())
			if err != nil {
				return nil, nil, err
			}
			if s.skip {
				break
			}
			if act.Type != ActionContinue {
				if scanner.Err() != nil {
					return nil, nil, scanner.Err()
				}
				return nil, act, nil
			}
		}
		if scanner.Err() != nil {
			return nil, nil, scanner.Err()
		}
	} else {
		s.state = sessionStateBodyChunkCalled
	}
	return s.End()
}

// Skip reports whether the Listener indicated (via ActSkip) that it does
// not need more events of the current class.
func (s *Session) Skip() bool {
	return s.skip
}

func (s *Session) readModifyActs() (modifyActs []ModifyAction, act *Action, err error) {
	for {
		pkt, err := wireproto.ReadPacket(s.conn, s.readTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("action read: %w", err)
		}
		if wireproto.Tag(pkt.Tag) == wireproto.Tag(wireproto.ActProgress) {
			continue
		}
		switch wireproto.ModifyTag(pkt.Tag) {
		case wireproto.ActAddRcpt, wireproto.ActDelRcpt, wireproto.ActReplBody, wireproto.ActChangeHeader, wireproto.ActInsertHeader,
			wireproto.ActAddHeader, wireproto.ActChangeFrom, wireproto.ActQuarantine, wireproto.ActAddRcptPar:
			modifyAct, err := parseModifyAct(pkt)
			if err != nil {
				return nil, nil, err
			}
			modifyActs = append(modifyActs, *modifyAct)
		default:
			act, err = parseAction(pkt)
			if err != nil {
				return nil, nil, err
			}
			return modifyActs, act, nil
		}
	}
}

// End sends the end-of-message event and resets the session back to the
// state before Mail, so the same Session can carry another message in the
// same simulated SMTP connection.
func (s *Session) End() ([]ModifyAction, *Action, error) {
	if s.state != sessionStateBodyChunkCalled {
		return nil, nil, s.errorOut(fmt.Errorf("milter: end: in wrong state %d", s.state))
	}
	s.state = sessionStateHeloCalled
	s.skip = false
	s.skipUnknown = false
	if len(s.macrosByStages) > int(StageEOM) && len(s.macrosByStages[StageEOM]) > 0 {
		if err := s.sendMacros(wireproto.Tag(wireproto.CodeEOB), s.macrosByStages[StageEOM]); err != nil {
			return nil, nil, s.errorOut(err)
		}
	}
	if err := s.writePacket(&wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeEOB)}); err != nil {
		return nil, nil, s.errorOut(fmt.Errorf("milter: end: %w", err))
	}
	modifyActs, act, err := s.readModifyActs()
	if err != nil {
		return nil, nil, s.errorOut(fmt.Errorf("milter: end: %w", err))
	}
	return modifyActs, act, nil
}

// Unknown sends an SMTP command the simulated MTA does not recognize.
func (s *Session) Unknown(cmd string, macros map[MacroName]string) (*Action, error) {
	if s.state < sessionStateNegotiated || s.state == sessionStateError {
		return nil, s.errorOut(fmt.Errorf("milter: unknown: in wrong state %d", s.state))
	}
	if s.ProtocolOption(OptNoUnknown) || s.skipUnknown {
		return actionContinue, nil
	}
	if err := s.sendCmdMacros(wireproto.Tag(wireproto.CodeUnknown), macros); err != nil {
		return nil, s.errorOut(err)
	}
	pkt := &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeUnknown)}
	pkt.Data = wire.AppendCString(pkt.Data, cmd)
	if err := s.writePacket(pkt); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: unknown: %w", err))
	}
	if s.ProtocolOption(OptNoUnknownReply) {
		return actionContinue, nil
	}
	return s.readAction(false)
}

// Abort sends Abort. Mail can be called again afterward in this Session.
func (s *Session) Abort(macros map[MacroName]string) error {
	if s.state == sessionStateError || s.state < sessionStateHeloCalled {
		return s.errorOut(fmt.Errorf("milter: abort: in wrong state %d", s.state))
	}
	s.state = sessionStateHeloCalled
	s.skip = false
	s.skipUnknown = false
	if err := s.sendCmdMacros(wireproto.Tag(wireproto.CodeHeader), macros); err != nil {
		return s.errorOut(err)
	}
	if err := s.writePacket(&wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeAbort)}); err != nil {
		return s.errorOut(err)
	}
	return nil
}

// Reset sends CodeQuitNewConn so this Session can be reused for another
// simulated SMTP connection. Real MTAs (sendmail, Postfix) never use this.
func (s *Session) Reset(macros Macros) error {
	if s.state == sessionStateError || s.state == sessionStateClosed {
		return s.errorOut(fmt.Errorf("milter: reset: in wrong state %d", s.state))
	}
	s.state = sessionStateNegotiated
	s.skip = false
	s.skipUnknown = false
	if err := s.writePacket(&wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeQuitNewConn)}); err != nil {
		return s.errorOut(err)
	}
	s.macros = macros
	return nil
}

// Close releases the connection. Safe to call more than once.
func (s *Session) Close() error {
	if s.state == sessionStateClosed || s.state == sessionStateError {
		return s.closedErr
	}
	s.state = sessionStateClosed
	if err := s.writePacket(&wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeQuit)}); err != nil {
		s.closedErr = fmt.Errorf("milter: close: quit: %w", err)
		_ = s.conn.Close()
		return s.closedErr
	}
	s.closedErr = s.conn.Close()
	return s.closedErr
}
