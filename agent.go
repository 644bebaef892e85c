package milter

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/norihiro-kitaoka/milter-manager/wire"
)

// ErrHandlerPanic wraps a recovered panic from a Handler method. The Agent
// converts the panic into this error, tempfails the in-flight command if
// one was in progress, and closes the connection, the same way it treats
// any other per-connection protocol error.
var ErrHandlerPanic = errors.New("milter: handler panicked")

// safeDispatch runs ctx.Dispatch and converts a panicking Handler method
// into an ErrHandlerPanic instead of taking the whole process down.
func safeDispatch(ctx *Context, handler Handler, pkt *wire.Packet) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return ctx.Dispatch(handler, pkt)
}

// safeNewConnection is safeDispatch's counterpart for the NewConnection
// hook, which has no Packet of its own to dispatch.
func safeNewConnection(handler Handler, m Modifier) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler.NewConnection(m)
}

// safeCleanup runs handler.Cleanup, swallowing a panic: Cleanup has no
// error return and runs from a defer, so there is nothing left to report
// to, only a connection already on its way out.
func safeCleanup(handler Handler, m Modifier) {
	defer func() { _ = recover() }()
	handler.Cleanup(m)
}

// Agent binds one Context to one net.Conn. It owns the socket, a
// wire.Decoder for framing, and the read/write deadlines; Run is the
// per-connection event loop: read bytes, feed the decoder, hand each
// decoded packet to the Context, write back the resulting Reply.
//
// Writes happen synchronously on the same goroutine that reads, so a slow
// MTA whose receive buffer is full stalls the next read — this is the
// backpressure property the milter protocol relies on, not a bug.
type Agent struct {
	conn         net.Conn
	decoder      wire.Decoder
	pending      []*wire.Packet
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewAgent creates an Agent that reads and writes on conn.
func NewAgent(conn net.Conn, readTimeout, writeTimeout time.Duration) *Agent {
	return &Agent{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (a *Agent) readPacket() (*wire.Packet, error) {
	if len(a.pending) > 0 {
		pkt := a.pending[0]
		a.pending = a.pending[1:]
		return pkt, nil
	}
	if a.readTimeout > 0 {
		if err := a.conn.SetReadDeadline(time.Now().Add(a.readTimeout)); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := a.conn.Read(buf)
		if n > 0 {
			packets, decodeErr := a.decoder.Feed(buf[:n])
			if len(packets) > 0 {
				a.pending = packets[1:]
				return packets[0], nil
			}
			if decodeErr != nil {
				return nil, decodeErr
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (a *Agent) writePacket(pkt *wire.Packet) error {
	return wire.WritePacket(a.conn, pkt, a.writeTimeout)
}

// Close closes the underlying connection.
func (a *Agent) Close() error {
	return a.conn.Close()
}

// ignoreError reports whether err represents an ordinary connection
// teardown (EOF, closed connection, or our own stop-processing sentinel)
// that should not be logged as a warning.
func ignoreError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, errCloseSession) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrWriterGone)
}

var codeOrderMap = map[wire.Tag]int{
	wire.Tag(wire.CodeConn):   1,
	wire.Tag(wire.CodeHelo):   2,
	wire.Tag(wire.CodeMail):   3,
	wire.Tag(wire.CodeRcpt):   4,
	wire.Tag(wire.CodeData):   5,
	wire.Tag(wire.CodeHeader): 6,
	wire.Tag(wire.CodeEOH):    7,
	wire.Tag(wire.CodeBody):   8,
	wire.Tag(wire.CodeEOB):    9,
}

// Run drives ctx's negotiation and event loop until the MTA closes the
// connection, sends CodeQuit, or the Listener is shutting down and the MTA
// sends CodeQuitNewConn. It always closes the connection before returning.
func (a *Agent) Run(l *Listener, newHandler NewHandlerFunc) {
	defer func() { _ = a.Close() }()

	pkt, err := a.readPacketWithin(time.Second)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error reading milter command: %v", err)
		}
		return
	}

	ctx := &Context{}
	ctx.init(l, a, l.config.maxVersion, l.config.actions, l.config.protocol)
	resp, err := ctx.negotiate(pkt, l.config.maxVersion, l.config.actions, l.config.protocol, l.config.negotiationCallback, l.config.macrosByStage, l.config.usedMaxData)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error negotiating: %v", err)
			_ = a.writePacket(RespTempFail.Packet())
		}
		return
	}
	if err = a.writePacket(resp.Packet()); err != nil {
		if !ignoreError(err) {
			LogWarning("Error writing packet: %v", err)
		}
		return
	}

	handler := newHandler(ctx.version, ctx.actions, ctx.protocol, ctx.maxDataSize)
	ctx.id = l.nextHandlerID()
	ctx.modifier.contextId = ctx.id
	defer func() {
		safeCleanup(handler, ctx.modifier.withState(modifierStateReadOnly))
		ctx.Detach()
	}()
	if err := safeNewConnection(handler, ctx.modifier.withState(modifierStateReadOnly)); err != nil {
		if !ignoreError(err) {
			LogWarning("Error in NewConnection: %v", err)
		}
		return
	}

	lastTag := wire.Tag(wire.CodeOptNeg)
	lastOrder := 0
	readTimeout := a.readTimeout

	for {
		pkt, err = a.readPacketWithin(readTimeout)
		if err != nil {
			if !ignoreError(err) {
				LogWarning("Error reading milter command: %v", err)
			}
			return
		}

		// Postfix always sends an Abort when an SMTP connection gets reused.
		// Sendmail does not when the message was accepted/rejected before EOB.
		// Synthesize the missing Abort so handlers never see out-of-order stages.
		tag := pkt.MacroTag()
		currentOrder, ok := codeOrderMap[tag]
		if ok {
			if lastOrder > currentOrder && lastTag != wire.Tag(wire.CodeAbort) {
				if _, err = safeDispatch(ctx, handler, &wire.Packet{Tag: wire.Tag(wire.CodeAbort)}); err != nil {
					if !ignoreError(err) {
						LogWarning("Error performing milter command: %v", err)
					}
					return
				}
			}
			lastOrder = currentOrder
		} else if tag == wire.Tag(wire.CodeAbort) && lastTag == wire.Tag(wire.CodeAbort) {
			// Postfix sometimes sends multiple Aborts in a row; one is enough.
			continue
		}
		lastTag = tag

		var reply *Reply
		reply, err = safeDispatch(ctx, handler, pkt)
		if err != nil {
			if errors.Is(err, ErrHandlerPanic) {
				LogWarning("Error performing milter command: %v", err)
				if !ctx.skipResponse(pkt.Tag) {
					_ = a.writePacket(RespTempFail.Packet())
				}
				return
			}
			if !ignoreError(err) {
				LogWarning("Error performing milter command: %v", err)
				if reply != nil && !ctx.skipResponse(pkt.Tag) {
					_ = a.writePacket(reply.Packet())
				}
			}
			return
		}
		hasDecision := reply != nil && !reply.Continue()
		if pkt.Tag == wire.Tag(wire.CodeRcpt) && hasDecision && reply != RespDiscard {
			hasDecision = false
		}
		if hasDecision {
			ctx.macros.DelStageAndAbove(StageMail)
		}

		if reply != nil && !ctx.skipResponse(pkt.Tag) {
			if err = a.writePacket(reply.Packet()); err != nil {
				if !ignoreError(err) {
					LogWarning("Error writing packet: %v", err)
				}
				return
			}
		}

		if pkt.Tag == wire.Tag(wire.CodeQuit) {
			return
		}

		// Only exit on a shutting-down Listener after CodeQuitNewConn (CodeQuit
		// always exits). Exiting mid-SMTP-connection would otherwise break the
		// milter connection while the MTA still expects more events.
		if pkt.Tag == wire.Tag(wire.CodeQuitNewConn) && l.shuttingDown() {
			return
		}
	}
}

func (a *Agent) readPacketWithin(timeout time.Duration) (*wire.Packet, error) {
	saved := a.readTimeout
	a.readTimeout = timeout
	defer func() { a.readTimeout = saved }()
	return a.readPacket()
}
