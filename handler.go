package milter

// Handler is the interface embedders implement to react to the milter
// protocol events the wire format carries. One Handler instance handles
// one MTA connection; the MTA can re-use that connection for several SMTP
// sessions and even several messages within one SMTP session, so a Handler
// must cope with seeing NewConnection or MailFrom more than once.
//
// Embed [NoOpHandler] to only implement the methods you need.
type Handler interface {
	// NewConnection is called when a new SMTP connection was opened, or
	// the MTA re-used this milter connection for another SMTP connection
	// (wire.CodeQuitNewConn). It may be called without any other method
	// of this interface being called afterward; Cleanup still runs.
	//
	// If you return an error, the connection breaks immediately. If you
	// want to send a reply to the SMTP client from here (including
	// Modifier.Progress), defer it to the next event (Connect, Helo,
	// MailFrom).
	NewConnection(m Modifier) error

	// Connect delivers the SMTP connection's network data. Suppressed by
	// OptNoConnect. m is read-only+progress.
	Connect(host string, family string, port uint16, addr string, m Modifier) (*Reply, error)

	// Helo delivers the HELO/EHLO hostname. Suppressed by OptNoHelo. m is
	// read-only+progress. Can be called more than once per connection,
	// typically after STARTTLS.
	Helo(name string, m Modifier) (*Reply, error)

	// MailFrom delivers the envelope sender (without angle brackets) and
	// any ESMTP arguments. Suppressed by OptNoMailFrom. m is
	// read-only+progress.
	MailFrom(from string, esmtpArgs string, m Modifier) (*Reply, error)

	// RcptTo delivers one envelope recipient (without angle brackets) and
	// may be called multiple times. Suppressed by OptNoRcptTo. m is
	// read-only+progress.
	//
	// The Reply returned determines the MTA's action for this recipient
	// only, except RespDiscard which discards the whole transaction.
	RcptTo(rcptTo string, esmtpArgs string, m Modifier) (*Reply, error)

	// Data is called once DATA has started, after all RCPT TO commands.
	// Suppressed by OptNoData. m is read-only+progress.
	Data(m Modifier) (*Reply, error)

	// Header is called once per header field of the incoming message.
	// Suppressed by OptNoHeaders. Returning RespSkip (protocol v6 only)
	// stops further Header events for this message. m is
	// read-only+progress.
	Header(name string, value string, m Modifier) (*Reply, error)

	// Headers is called once all header fields have been delivered.
	// Suppressed by OptNoEOH. m is read-only+progress.
	Headers(m Modifier) (*Reply, error)

	// BodyChunk delivers the next chunk (up to the negotiated DataSize)
	// of the message body. Suppressed by OptNoBody. Returning RespSkip
	// (protocol v6 only) stops further BodyChunk events. m is
	// read-only+progress.
	BodyChunk(chunk []byte, m Modifier) (*Reply, error)

	// EndOfMessage is called once per message after the last body chunk.
	// All mutation methods on m (AddHeader, ChangeHeader, ReplaceBody,
	// AddRecipient, ...) are only valid here. m is read-write.
	EndOfMessage(m Modifier) (*Reply, error)

	// Abort is called when the current message is aborted; message state
	// should reset to what it was before MailFrom, connection state is
	// preserved. Cleanup is not called around Abort. m is read-only.
	Abort(m Modifier) error

	// Unknown is called for an SMTP command the MTA does not otherwise
	// recognize. m is read-only+progress.
	Unknown(cmd string, m Modifier) (*Reply, error)

	// Cleanup is always called when this Handler is about to be
	// discarded, which happens when the MTA closes the connection. m is
	// read-only.
	Cleanup(m Modifier)
}

// NoOpHandler is a no-op [Handler] you can embed to only override the
// methods you need.
type NoOpHandler struct{}

var _ Handler = (*NoOpHandler)(nil)

func (NoOpHandler) NewConnection(m Modifier) error {
	return nil
}

func (NoOpHandler) Connect(host string, family string, port uint16, addr string, m Modifier) (*Reply, error) {
	return RespContinue, nil
}

func (NoOpHandler) Helo(name string, m Modifier) (*Reply, error) {
	return RespContinue, nil
}

func (NoOpHandler) MailFrom(from string, esmtpArgs string, m Modifier) (*Reply, error) {
	return RespContinue, nil
}

func (NoOpHandler) RcptTo(rcptTo string, esmtpArgs string, m Modifier) (*Reply, error) {
	if m.Protocol()&OptSkip != 0 {
		return RespSkip, nil
	}
	return RespContinue, nil
}

func (NoOpHandler) Data(m Modifier) (*Reply, error) {
	return RespContinue, nil
}

func (NoOpHandler) Header(name string, value string, m Modifier) (*Reply, error) {
	if m.Protocol()&OptSkip != 0 {
		return RespSkip, nil
	}
	return RespContinue, nil
}

func (NoOpHandler) Headers(m Modifier) (*Reply, error) {
	return RespContinue, nil
}

func (NoOpHandler) BodyChunk(chunk []byte, m Modifier) (*Reply, error) {
	if m.Protocol()&OptSkip != 0 {
		return RespSkip, nil
	}
	return RespContinue, nil
}

func (NoOpHandler) EndOfMessage(m Modifier) (*Reply, error) {
	return RespAccept, nil
}

func (NoOpHandler) Abort(_ Modifier) error {
	return nil
}

func (NoOpHandler) Unknown(cmd string, m Modifier) (*Reply, error) {
	return RespContinue, nil
}

func (NoOpHandler) Cleanup(m Modifier) {
}
