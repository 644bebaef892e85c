package milter

import (
	"reflect"
	"testing"

	wireproto "github.com/norihiro-kitaoka/milter-manager/wire"
)

func TestContext_negotiate(t *testing.T) {
	tests := []struct {
		name     string
		actions  OptAction
		protocol OptProtocol
		callback NegotiationCallbackFunc
		pkt      *wireproto.Packet
		want     *wireproto.Packet
		wantErr  bool
	}{
		{"wrong tag", 0, 0, nil, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeHelo), Data: nil}, nil, true},
		{"too short", 0, 0, nil, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0}}, nil, true},
		{"unsupported version", 0, 0, nil, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 99, 0, 0, 0, 0, 0, 0, 0, 0}}, nil, true},
		{"missing required action", OptAddHeader, 0, nil, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}}, nil, true},
		{"missing required protocol", 0, OptNoConnect, nil, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}}, nil, true},
		{"ok no callback", OptAddHeader, OptNoConnect, nil, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0, 1}}, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0, 1}}, false},
		{"callback error", 0, 0, func(mtaVersion, milterVersion uint32, mtaActions, milterActions OptAction, mtaProtocol, milterProtocol OptProtocol, offeredMaxData DataSize) (uint32, OptAction, OptProtocol, DataSize, error) {
			return 0, 0, 0, 0, errVersionRejected
		}, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}}, nil, true},
		{"callback ok", 0, 0, func(mtaVersion, milterVersion uint32, mtaActions, milterActions OptAction, mtaProtocol, milterProtocol OptProtocol, offeredMaxData DataSize) (uint32, OptAction, OptProtocol, DataSize, error) {
			return milterVersion, OptAddHeader, OptNoConnect, DataSize64K, nil
		}, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}}, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeOptNeg), Data: []byte{0, 0, 0, 6, 0, 0, 0, 1, 0, 0, 0, 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Context{}
			resp, err := c.negotiate(tt.pkt, MaxServerProtocolVersion, tt.actions, tt.protocol, tt.callback, nil, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("negotiate() error = %v, wantErr %v", err, tt.wantErr)
			}
			var got *wireproto.Packet
			if resp != nil {
				got = resp.Packet()
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("negotiate() got = %+v, want %+v", got, tt.want)
			}
		})
	}
}

var errVersionRejected = errNegotiationCallback{}

type errNegotiationCallback struct{}

func (errNegotiationCallback) Error() string { return "negotiation rejected" }

type dispatchTestHandler struct {
	NoOpHandler

	host, family, addr string
	port               uint16
	helo               string
	from, fromEsmtp    string
	rcptTo, rcptEsmtp  string
	dataCalled         bool
	hdrName, hdrValue  string
	headersCalled      bool
	chunk              []byte
	eomCalled          bool
	abortCalled        bool
	cmd                string
	newConnCalled      int
	cleanupCalled      int
}

func (h *dispatchTestHandler) NewConnection(m Modifier) error {
	h.newConnCalled++
	return nil
}

func (h *dispatchTestHandler) Connect(host, family string, port uint16, addr string, m Modifier) (*Reply, error) {
	h.host, h.family, h.port, h.addr = host, family, port, addr
	return RespContinue, nil
}

func (h *dispatchTestHandler) Helo(name string, m Modifier) (*Reply, error) {
	h.helo = name
	return RespContinue, nil
}

func (h *dispatchTestHandler) MailFrom(from, esmtpArgs string, m Modifier) (*Reply, error) {
	h.from, h.fromEsmtp = from, esmtpArgs
	return RespContinue, nil
}

func (h *dispatchTestHandler) RcptTo(rcptTo, esmtpArgs string, m Modifier) (*Reply, error) {
	h.rcptTo, h.rcptEsmtp = rcptTo, esmtpArgs
	return RespContinue, nil
}

func (h *dispatchTestHandler) Data(m Modifier) (*Reply, error) {
	h.dataCalled = true
	return RespContinue, nil
}

func (h *dispatchTestHandler) Header(name, value string, m Modifier) (*Reply, error) {
	h.hdrName, h.hdrValue = name, value
	return RespContinue, nil
}

func (h *dispatchTestHandler) Headers(m Modifier) (*Reply, error) {
	h.headersCalled = true
	return RespContinue, nil
}

func (h *dispatchTestHandler) BodyChunk(chunk []byte, m Modifier) (*Reply, error) {
	h.chunk = chunk
	return RespContinue, nil
}

func (h *dispatchTestHandler) EndOfMessage(m Modifier) (*Reply, error) {
	h.eomCalled = true
	return RespAccept, nil
}

func (h *dispatchTestHandler) Unknown(cmd string, m Modifier) (*Reply, error) {
	h.cmd = cmd
	return RespContinue, nil
}

func (h *dispatchTestHandler) Abort(m Modifier) error {
	h.abortCalled = true
	return nil
}

func (h *dispatchTestHandler) Cleanup(m Modifier) {
	h.cleanupCalled++
}

var _ Handler = (*dispatchTestHandler)(nil)

func newDispatchContext() *Context {
	c := &Context{}
	c.init(nil, nil, MaxServerProtocolVersion, AllClientSupportedActionMasks, 0)
	c.modifier = newModifier(c, modifierStateReadWrite)
	return c
}

func TestContext_Dispatch_Conn(t *testing.T) {
	c := newDispatchContext()
	h := &dispatchTestHandler{}
	data := append([]byte("mail.example.com\x00"), byte('4'))
	data = wireproto.AppendUint16(data, 25)
	data = append(data, []byte("192.0.2.1\x00")...)
	resp, err := c.Dispatch(h, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeConn), Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Packet().Tag != wireproto.Tag(wireproto.ActContinue) {
		t.Errorf("unexpected reply tag %c", resp.Packet().Tag)
	}
	if h.host != "mail.example.com" || h.family != "tcp4" || h.port != 25 || h.addr != "192.0.2.1" {
		t.Errorf("unexpected connect info: %+v", h)
	}
	if c.state != StateConnected {
		t.Errorf("state = %v, want StateConnected", c.state)
	}
}

func TestContext_Dispatch_MailRemovesAngleBrackets(t *testing.T) {
	c := newDispatchContext()
	h := &dispatchTestHandler{}
	data := []byte("<from@example.com>\x00A=B\x00")
	if _, err := c.Dispatch(h, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeMail), Data: data}); err != nil {
		t.Fatal(err)
	}
	if h.from != "from@example.com" || h.fromEsmtp != "A=B" {
		t.Errorf("unexpected mail from info: %q %q", h.from, h.fromEsmtp)
	}
}

func TestContext_Dispatch_EndOfMessageDefaultsToAccept(t *testing.T) {
	c := newDispatchContext()
	h := &dispatchTestHandler{}
	resp, err := c.Dispatch(h, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeEOB)})
	if err != nil {
		t.Fatal(err)
	}
	if !h.eomCalled {
		t.Error("EndOfMessage was not called")
	}
	if resp.Packet().Tag != wireproto.Tag(wireproto.ActAccept) {
		t.Errorf("unexpected reply tag %c", resp.Packet().Tag)
	}
}

// eomMutatingHandler issues one of each header mutation action from
// EndOfMessage, in the order AddHeader, InsertHeader, ChangeHeader, the way
// a content filter would append a trace header, insert a header at the top,
// and then rewrite an existing one, all from the same EOM callback.
type eomMutatingHandler struct {
	NoOpHandler
}

func (h *eomMutatingHandler) EndOfMessage(m Modifier) (*Reply, error) {
	if err := m.AddHeader("X-Filter", "scanned"); err != nil {
		return nil, err
	}
	if err := m.InsertHeader(0, "X-Received", "from mx.example.com"); err != nil {
		return nil, err
	}
	if err := m.ChangeHeader(1, "Subject", "[scanned] hello"); err != nil {
		return nil, err
	}
	return RespContinue, nil
}

var _ Handler = (*eomMutatingHandler)(nil)

func TestContext_Dispatch_EndOfMessageMutationOrder(t *testing.T) {
	c := newDispatchContext()
	var tags []wireproto.Tag
	c.modifier.writePacket = func(pkt *wireproto.Packet) error {
		tags = append(tags, pkt.Tag)
		return nil
	}
	h := &eomMutatingHandler{}
	resp, err := c.Dispatch(h, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeEOB)})
	if err != nil {
		t.Fatal(err)
	}
	// AddHeader/InsertHeader/ChangeHeader write their own packets as they are
	// called; the final reply (promoted from Continue to Accept, see context.go)
	// is written separately by the caller, so it is not part of tags.
	want := []wireproto.Tag{
		wireproto.Tag(wireproto.ActAddHeader),
		wireproto.Tag(wireproto.ActInsertHeader),
		wireproto.Tag(wireproto.ActChangeHeader),
	}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("mutation packet order = %v, want %v", tags, want)
	}
	if resp.Packet().Tag != wireproto.Tag(wireproto.ActAccept) {
		t.Errorf("final reply tag = %c, want %c", resp.Packet().Tag, wireproto.ActAccept)
	}
}

func TestContext_Dispatch_AbortAndNewConnection(t *testing.T) {
	c := newDispatchContext()
	h := &dispatchTestHandler{}
	if _, err := c.Dispatch(h, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeAbort)}); err != nil {
		t.Fatal(err)
	}
	if !h.abortCalled {
		t.Error("Abort was not called")
	}
	if c.state != StateAborted {
		t.Errorf("state = %v, want StateAborted", c.state)
	}
	if _, err := c.Dispatch(h, &wireproto.Packet{Tag: wireproto.Tag(wireproto.CodeQuitNewConn)}); err != nil {
		t.Fatal(err)
	}
	if h.newConnCalled != 1 {
		t.Errorf("NewConnection called %d times, want 1", h.newConnCalled)
	}
	if c.state != StateNegotiated {
		t.Errorf("state = %v, want StateNegotiated", c.state)
	}
}

func TestContext_Dispatch_UnknownTag(t *testing.T) {
	c := newDispatchContext()
	h := &dispatchTestHandler{}
	_, err := c.Dispatch(h, &wireproto.Packet{Tag: wireproto.Tag('Z')})
	if err != errCloseSession {
		t.Errorf("Dispatch() error = %v, want errCloseSession", err)
	}
}

func TestContext_skipResponse(t *testing.T) {
	c := &Context{protocol: OptNoRcptReply | OptNoEOHReply}
	if !c.skipResponse(wireproto.Tag(wireproto.CodeRcpt)) {
		t.Error("skipResponse(CodeRcpt) = false, want true")
	}
	if c.skipResponse(wireproto.Tag(wireproto.CodeMail)) {
		t.Error("skipResponse(CodeMail) = true, want false")
	}
	if !c.skipResponse(wireproto.Tag(wireproto.CodeEOH)) {
		t.Error("skipResponse(CodeEOH) = false, want true")
	}
}
