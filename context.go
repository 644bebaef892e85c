package milter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/norihiro-kitaoka/milter-manager/internal/wire"
	wireproto "github.com/norihiro-kitaoka/milter-manager/wire"
)

// ErrWriterGone is returned by Context's internal write path once its
// Agent has been detached (the connection is already gone). Dispatch
// callers treat it like io.EOF.
var ErrWriterGone = errors.New("milter: writer detached")

// Context keeps the state of one milter connection: the negotiated
// capability vector, the macro values seen so far, the current protocol
// State, and the Handler instance backing it. An Agent drives a Context by
// feeding it decoded packets and writing back the Reply it returns.
//
// Context is safe to Detach from a different goroutine than the one
// calling Dispatch (e.g. during Listener shutdown).
type Context struct {
	listener    *Listener
	version     uint32
	actions     OptAction
	protocol    OptProtocol
	maxDataSize DataSize
	state       State
	macros      *macrosStages
	id          uint64
	mu          sync.Mutex
	agent       *Agent
	modifier    *modifier
}

// init sets up the internal state of a freshly accepted Context.
func (c *Context) init(l *Listener, agent *Agent, version uint32, actions OptAction, protocol OptProtocol) {
	c.listener = l
	c.agent = agent
	c.version = version
	c.actions = actions
	c.protocol = protocol
	c.macros = newMacroStages()
	c.state = StateStart
}

// Detach severs this Context from its Agent. Once detached, writePacket
// returns ErrWriterGone and no more replies can be sent; this mirrors the
// milter protocol's EOF-means-goodbye semantics (property I5/6).
func (c *Context) Detach() {
	c.mu.Lock()
	c.agent = nil
	c.mu.Unlock()
}

func (c *Context) writePacket(pkt *wireproto.Packet) error {
	c.mu.Lock()
	agent := c.agent
	c.mu.Unlock()
	if agent == nil {
		return ErrWriterGone
	}
	return agent.writePacket(pkt)
}

// negotiate exchanges the option-negotiation packet with the MTA and
// configures c to the negotiated values. callback, when non-nil, lets the
// embedder see both sides' offers and pick the final values itself.
func (c *Context) negotiate(pkt *wireproto.Packet, milterVersion uint32, milterActions OptAction, milterProtocol OptProtocol, callback NegotiationCallbackFunc, macroRequests macroRequests, usedMaxData DataSize) (*Reply, error) {
	if pkt.Tag != wireproto.Tag(wireproto.CodeOptNeg) {
		return nil, fmt.Errorf("milter: negotiate: unexpected package with tag %c", pkt.Tag)
	}
	if len(pkt.Data) < 4*3 /* version + action mask + proto mask */ {
		return nil, fmt.Errorf("milter: negotiate: unexpected data size: %d", len(pkt.Data))
	}
	mtaVersion := binary.BigEndian.Uint32(pkt.Data[:4])
	mtaActionMask := OptAction(binary.BigEndian.Uint32(pkt.Data[4:]))
	mtaProtoMask := OptProtocol(binary.BigEndian.Uint32(pkt.Data[8:]))
	offeredMaxDataSize := DataSize64K
	if uint32(mtaProtoMask)&optMds1M == optMds1M {
		offeredMaxDataSize = DataSize1M
	} else if uint32(mtaProtoMask)&optMds256K == optMds256K {
		offeredMaxDataSize = DataSize256K
	}
	mtaProtoMask = mtaProtoMask & (^OptProtocol(optInternal))

	var err error
	var maxDataSize DataSize
	if callback != nil {
		if c.version, c.actions, c.protocol, maxDataSize, err = callback(mtaVersion, milterVersion, mtaActionMask, milterActions, mtaProtoMask, milterProtocol, offeredMaxDataSize); err != nil {
			return nil, err
		}
		if c.version < 2 || c.version > MaxServerProtocolVersion {
			return nil, fmt.Errorf("milter: negotiate: unsupported protocol version: %d", c.version)
		}
	} else {
		if mtaVersion < 2 || mtaVersion > MaxServerProtocolVersion {
			return nil, fmt.Errorf("milter: negotiate: unsupported protocol version: %d", mtaVersion)
		}
		c.version = mtaVersion
		if c.version > milterVersion {
			c.version = milterVersion
		}
		if milterActions&mtaActionMask != milterActions {
			return nil, fmt.Errorf("milter: negotiate: MTA does not offer required actions. offered: %q requested: %q", mtaActionMask, milterActions)
		}
		c.actions = milterActions & mtaActionMask
		if milterProtocol&mtaProtoMask != milterProtocol {
			return nil, fmt.Errorf("milter: negotiate: MTA does not offer required protocol options. offered: %q requested: %q", mtaProtoMask, milterProtocol)
		}
		c.protocol = milterProtocol & mtaProtoMask
		maxDataSize = offeredMaxDataSize
	}
	if maxDataSize != DataSize64K && maxDataSize != DataSize256K && maxDataSize != DataSize1M {
		maxDataSize = DataSize64K
	}
	if usedMaxData == 0 {
		usedMaxData = maxDataSize
	}
	c.maxDataSize = usedMaxData
	c.modifier = newModifier(c, modifierStateReadOnly)
	c.state = StateNegotiated

	sizeMask := uint32(0)
	if maxDataSize == DataSize256K {
		sizeMask = optMds256K
	} else if maxDataSize == DataSize1M {
		sizeMask = optMds1M
	}

	var buffer bytes.Buffer
	for _, value := range []uint32{c.version, uint32(c.actions), uint32(c.protocol) | sizeMask} {
		if err := binary.Write(&buffer, binary.BigEndian, value); err != nil {
			return nil, fmt.Errorf("milter: negotiate: %w", err)
		}
	}
	if macroRequests != nil && mtaActionMask&OptSetMacros != 0 {
		for st := 0; st < int(StageEndMarker) && st < len(macroRequests); st++ {
			if len(macroRequests[st]) > 0 {
				if err := binary.Write(&buffer, binary.BigEndian, uint32(st)); err != nil {
					return nil, fmt.Errorf("milter: negotiate: %w", err)
				}
				buffer.WriteString(strings.Join(macroRequests[st], " "))
				buffer.WriteByte(0)
			}
		}
	} else if macroRequests != nil {
		LogWarning("milter could not send the requested macros since the MTA does not support SMFIF_SETSYMLIST")
	}
	return newReply(wireproto.ActionTag(wireproto.CodeOptNeg), buffer.Bytes()), nil
}

// Dispatch handles one decoded packet against handler and returns the
// Reply to send back (nil when none is expected, e.g. for macro packets).
func (c *Context) Dispatch(handler Handler, pkt *wireproto.Packet) (*Reply, error) {
	switch pkt.Tag {
	case wireproto.Tag(wireproto.CodeOptNeg):
		return nil, fmt.Errorf("milter: negotiate: can only be called once in a connection")

	case wireproto.Tag(wireproto.CodeConn):
		if len(pkt.Data) == 0 {
			return nil, fmt.Errorf("milter: conn: unexpected data size: %d", len(pkt.Data))
		}
		c.macros.DelStageAndAbove(StageHelo)
		hostname := wire.ReadCString(pkt.Data)
		data := pkt.Data[len(hostname)+1:]
		protocolFamily := data[0]
		data = data[1:]
		var port uint16
		var address string
		if protocolFamily == 'L' || protocolFamily == '4' || protocolFamily == '6' {
			if len(data) < 2 {
				return nil, fmt.Errorf("milter: conn: unexpected data size: %d", len(data))
			}
			port = binary.BigEndian.Uint16(data)
			data = data[2:]
			address = wire.ReadCString(data)
		}
		family := ""
		switch protocolFamily {
		case 'U':
			family = "unknown"
		case 'L':
			family = "unix"
		case '4':
			family = "tcp4"
			addr := net.ParseIP(address)
			if addr == nil || addr.To4() == nil {
				return nil, fmt.Errorf("milter: conn: unexpected ip4 address: %q", address)
			}
		case '6':
			family = "tcp6"
			var addr net.IP
			address = strings.TrimPrefix(address, "IPv6:")
			if len(address) > 2 && address[0] == '[' && address[len(address)-1] == ']' {
				addr = net.ParseIP(address[1 : len(address)-1])
			} else {
				addr = net.ParseIP(address)
			}
			if addr == nil {
				return nil, fmt.Errorf("milter: conn: unexpected ip6 address: %q", address)
			}
			address = addr.String()
		default:
			return nil, fmt.Errorf("milter: conn: unexpected protocol family: %c", protocolFamily)
		}
		c.state = StateConnected
		return handler.Connect(hostname, family, port, address, c.modifier.withState(modifierStateProgressOnly))

	case wireproto.Tag(wireproto.CodeHelo):
		if len(pkt.Data) == 0 {
			return nil, fmt.Errorf("milter: helo: unexpected data size: %d", len(pkt.Data))
		}
		c.macros.DelStageAndAbove(StageMail)
		name := wire.ReadCString(pkt.Data)
		c.state = StateGreeted
		return handler.Helo(name, c.modifier.withState(modifierStateProgressOnly))

	case wireproto.Tag(wireproto.CodeMail):
		if len(pkt.Data) == 0 {
			return nil, fmt.Errorf("milter: mail: unexpected data size: %d", len(pkt.Data))
		}
		c.macros.DelStageAndAbove(StageRcpt)
		from := wire.ReadCString(pkt.Data)
		data := pkt.Data[len(from)+1:]
		esmtpArgs := strings.Join(wire.DecodeCStrings(data), " ")
		c.state = StateEnvelopeFrom
		return handler.MailFrom(RemoveAngle(from), esmtpArgs, c.modifier.withState(modifierStateProgressOnly))

	case wireproto.Tag(wireproto.CodeRcpt):
		if len(pkt.Data) == 0 {
			return nil, fmt.Errorf("milter: rcpt: unexpected data size: %d", len(pkt.Data))
		}
		c.macros.DelStageAndAbove(StageData)
		to := wire.ReadCString(pkt.Data)
		rest := pkt.Data[len(to)+1:]
		esmtpArgs := strings.Join(wire.DecodeCStrings(rest), " ")
		c.state = StateRecipient
		return handler.RcptTo(RemoveAngle(to), esmtpArgs, c.modifier.withState(modifierStateProgressOnly))

	case wireproto.Tag(wireproto.CodeData):
		c.macros.DelStageAndAbove(StageEOH)
		c.state = StateData
		return handler.Data(c.modifier.withState(modifierStateProgressOnly))

	case wireproto.Tag(wireproto.CodeHeader):
		if len(pkt.Data) < 2 {
			return nil, fmt.Errorf("milter: header: unexpected data size: %d", len(pkt.Data))
		}
		headerData := wire.DecodeCStrings(pkt.Data)
		if len(headerData) != 2 {
			return nil, fmt.Errorf("milter: header: unexpected number of strings: %d", len(headerData))
		}
		c.state = StateHeader
		resp, err := handler.Header(headerData[0], headerData[1], c.modifier.withState(modifierStateProgressOnly))
		c.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wireproto.Tag(wireproto.CodeEOH):
		c.macros.DelStageAndAbove(StageEOM)
		c.state = StateEndOfHeader
		return handler.Headers(c.modifier.withState(modifierStateProgressOnly))

	case wireproto.Tag(wireproto.CodeBody):
		c.state = StateBody
		resp, err := handler.BodyChunk(pkt.Data, c.modifier.withState(modifierStateProgressOnly))
		c.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wireproto.Tag(wireproto.CodeEOB):
		c.state = StateEndOfMessage
		resp, err := handler.EndOfMessage(c.modifier.withState(modifierStateReadWrite))
		// EOB is the last event of the transaction: there is no further command
		// for a bare continue to defer to, so a nil/Continue verdict here is
		// promoted to an explicit accept, the same way sendmail/Postfix milters
		// built on libmilter treat SMFIS_CONTINUE returned from xxfi_eom.
		if err == nil && (resp == nil || resp.Continue()) {
			resp = RespAccept
		}
		return resp, err

	case wireproto.Tag(wireproto.CodeUnknown):
		cmd := wire.ReadCString(pkt.Data)
		resp, err := handler.Unknown(cmd, c.modifier.withState(modifierStateProgressOnly))
		c.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wireproto.Tag(wireproto.CodeMacro):
		if len(pkt.Data) == 0 {
			return nil, fmt.Errorf("milter: macro: unexpected data size: %d", len(pkt.Data))
		}
		var stage MacroStage
		switch pkt.MacroTag() {
		case wireproto.Tag(wireproto.CodeConn):
			stage = StageConnect
		case wireproto.Tag(wireproto.CodeHelo):
			stage = StageHelo
		case wireproto.Tag(wireproto.CodeMail):
			stage = StageMail
		case wireproto.Tag(wireproto.CodeRcpt):
			stage = StageRcpt
		case wireproto.Tag(wireproto.CodeData):
			stage = StageData
		case wireproto.Tag(wireproto.CodeEOH):
			stage = StageEOH
		case wireproto.Tag(wireproto.CodeEOB):
			stage = StageEOM
		case wireproto.Tag(wireproto.CodeUnknown), wireproto.Tag(wireproto.CodeHeader), wireproto.Tag(wireproto.CodeAbort), wireproto.Tag(wireproto.CodeBody):
			stage = StageEndMarker
		default:
			LogWarning("MTA sent macro for %c. we cannot handle this so we ignore it", pkt.MacroTag())
			return nil, nil
		}
		c.macros.DelStageAndAbove(stage)
		data := wire.DecodeCStrings(pkt.Data[1:])
		if len(data) != 0 {
			if len(data)%2 == 1 {
				data = append(data, "")
			}
			c.macros.SetStage(stage, data...)
		}
		return nil, nil

	case wireproto.Tag(wireproto.CodeAbort):
		err := handler.Abort(c.modifier.withState(modifierStateReadOnly))
		c.macros.DelStageAndAbove(StageHelo)
		c.state = StateAborted
		return nil, err

	case wireproto.Tag(wireproto.CodeQuitNewConn):
		c.macros.DelStageAndAbove(StageConnect)
		c.state = StateNegotiated
		return nil, handler.NewConnection(c.modifier.withState(modifierStateReadOnly))

	case wireproto.Tag(wireproto.CodeQuit):
		c.state = StateClosed
		return nil, nil

	default:
		LogWarning("Unrecognized command tag: %s", pkt.Tag)
		return nil, errCloseSession
	}
}

func (c *Context) skipResponse(tag wireproto.Tag) bool {
	switch tag {
	case wireproto.Tag(wireproto.CodeConn):
		return c.protocol&OptNoConnReply != 0
	case wireproto.Tag(wireproto.CodeHelo):
		return c.protocol&OptNoHeloReply != 0
	case wireproto.Tag(wireproto.CodeMail):
		return c.protocol&OptNoMailReply != 0
	case wireproto.Tag(wireproto.CodeRcpt):
		return c.protocol&OptNoRcptReply != 0
	case wireproto.Tag(wireproto.CodeData):
		return c.protocol&OptNoDataReply != 0
	case wireproto.Tag(wireproto.CodeUnknown):
		return c.protocol&OptNoUnknownReply != 0
	case wireproto.Tag(wireproto.CodeEOH):
		return c.protocol&OptNoEOHReply != 0
	case wireproto.Tag(wireproto.CodeHeader):
		return c.protocol&OptNoHeaderReply != 0
	case wireproto.Tag(wireproto.CodeBody):
		return c.protocol&OptNoBodyReply != 0
	default:
		return false
	}
}

// errCloseSession signals the read/dispatch loop to stop without logging
// an error; it is never sent to the MTA.
var errCloseSession = errors.New("milter: stop current milter processing")
