package milter

import (
	"fmt"
	"strings"

	"github.com/norihiro-kitaoka/milter-manager/milterutil"
	"github.com/norihiro-kitaoka/milter-manager/wire"
)

// Reply represents a reply structure returned by Handler callbacks to
// indicate how the endpoint should proceed.
type Reply struct {
	code wire.ActionTag
	data []byte
}

// Packet returns the wire.Packet to send for this Reply.
func (c *Reply) Packet() *wire.Packet {
	return &wire.Packet{Tag: wire.Tag(c.code), Data: c.data}
}

// Continue returns false if the MTA should stop sending events for this
// transaction, true otherwise. RespDiscard returns false because the MTA
// should end the current SMTP transaction for this filter.
func (c *Reply) Continue() bool {
	switch c.code {
	case wire.ActAccept, wire.ActDiscard, wire.ActReject, wire.ActTempFail, wire.ActReplyCode:
		return false
	default:
		return true
	}
}

// newReply generates a new Reply suitable for wire.WritePacket.
func newReply(code wire.ActionTag, data []byte) *Reply {
	return &Reply{code, data}
}

// newReplyStr generates a new Reply with a NUL-terminated string payload.
func newReplyStr(code wire.ActionTag, data string) (*Reply, error) {
	if len(data) > int(DataSize64K)-1 { // space for null-bytes
		return nil, fmt.Errorf("milter: invalid data length: %d > %d", len(data), int(DataSize64K)-1)
	}
	if strings.ContainsRune(data, 0) {
		return nil, fmt.Errorf("milter: invalid data: cannot contain null-bytes")
	}
	return newReply(code, []byte(data+"\x00")), nil
}

// RejectWithCodeAndReason stops processing and tells the MTA the error code
// and reason to send to its peer.
//
// smtpCode must be between 400 and 599, otherwise this method returns an error.
//
// The reason can contain new-lines; line ending canonicalization is done
// automatically. This function returns an error when the resulting SMTP
// text has a length of more than [DataSize64K] - 1.
func RejectWithCodeAndReason(smtpCode uint16, reason string) (*Reply, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, fmt.Errorf("milter: invalid code %d", smtpCode)
	}
	if len(reason) > int(DataSize64K)-5 {
		return nil, fmt.Errorf("milter: reason too long: %d > %d", len(reason), int(DataSize64K)-5)
	}
	data, err := milterutil.FormatResponse(smtpCode, reason)
	if err != nil {
		return nil, err
	}
	return newReplyStr(wire.ActReplyCode, data)
}

// Standard replies with no data.
var (
	// RespAccept signals to the MTA that the current transaction should be
	// accepted. No more events are sent to the filter after this reply.
	RespAccept = &Reply{code: wire.ActAccept}

	// RespContinue signals to the MTA that the current transaction should
	// continue.
	RespContinue = &Reply{code: wire.ActContinue}

	// RespDiscard signals to the MTA that the current transaction should be
	// silently discarded. No more events are sent to the filter after this
	// reply.
	RespDiscard = &Reply{code: wire.ActDiscard}

	// RespReject signals to the MTA that the current transaction should be
	// rejected with a hard rejection. No more events are sent to the filter
	// after this reply.
	RespReject = &Reply{code: wire.ActReject}

	// RespTempFail signals to the MTA that the current transaction should be
	// rejected with a temporary error code. The sending MTA might try to
	// deliver the same message again later. No more events are sent to the
	// filter after this reply.
	RespTempFail = &Reply{code: wire.ActTempFail}

	// RespSkip signals to the MTA that the transaction should continue and
	// that the MTA does not need to send more events of the same type. Only
	// valid as a return value of Handler.RcptTo, Handler.Header and
	// Handler.BodyChunk.
	RespSkip = &Reply{code: wire.ActSkip}

	// respProgress is the keep-alive packet sent by Modifier.Progress.
	respProgress = &Reply{code: wire.ActProgress}
)
