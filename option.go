// Package milter implements the milter endpoint runtime: the server side
// of the MTA↔filter wire protocol used by sendmail-compatible mail
// transfer agents to externalize per-message policy.
package milter

import (
	"sort"
	"strconv"
	"strings"
)

// OptAction is the negotiated capability vector's actions field: the set
// of end-of-message mutation actions a Handler is allowed to perform.
// Multiple actions are combined with a bitmask.
type OptAction uint32

// Actions a Handler can negotiate with the MTA.
const (
	OptAddHeader       OptAction = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody      OptAction = 1 << 1 // SMFIF_CHGBODY / SMFIF_MODBODY
	OptAddRcpt         OptAction = 1 << 2 // SMFIF_ADDRCPT
	OptRemoveRcpt      OptAction = 1 << 3 // SMFIF_DELRCPT
	OptChangeHeader    OptAction = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine      OptAction = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom      OptAction = 1 << 6 // SMFIF_CHGFROM [v6]
	OptAddRcptWithArgs OptAction = 1 << 7 // SMFIF_ADDRCPT_PAR [v6]
	OptSetMacros       OptAction = 1 << 8 // SMFIF_SETSYMLIST [v6]
)

var optActionNames = []struct {
	bit  OptAction
	name string
}{
	{OptAddHeader, "OptAddHeader"},
	{OptChangeBody, "OptChangeBody"},
	{OptAddRcpt, "OptAddRcpt"},
	{OptRemoveRcpt, "OptRemoveRcpt"},
	{OptChangeHeader, "OptChangeHeader"},
	{OptQuarantine, "OptQuarantine"},
	{OptChangeFrom, "OptChangeFrom"},
	{OptAddRcptWithArgs, "OptAddRcptWithArgs"},
	{OptSetMacros, "OptSetMacros"},
}

// String renders o as the "|"-joined names of its set bits, in
// alphabetical order, with any bit this package does not know about
// rendered as "unknown bit N".
func (o OptAction) String() string {
	var parts []string
	remaining := o
	for _, n := range optActionNames {
		if remaining&n.bit != 0 {
			parts = append(parts, n.name)
			remaining &^= n.bit
		}
	}
	for bit := 0; bit < 32; bit++ {
		b := OptAction(1) << uint(bit)
		if remaining&b != 0 {
			parts = append(parts, "unknown bit "+strconv.Itoa(bit))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// OptProtocol is the negotiated capability vector's steps field: stages
// the filter asks the MTA to skip, and flags tuning stage behavior.
// Multiple options are combined with a bitmask.
type OptProtocol uint32

// Protocol tuning flags a Handler can request of the MTA.
const (
	OptNoConnect      OptProtocol = 1 << 0  // MTA does not send connect events. SMFIP_NOCONNECT
	OptNoHelo         OptProtocol = 1 << 1  // MTA does not send HELO/EHLO events. SMFIP_NOHELO
	OptNoMailFrom     OptProtocol = 1 << 2  // MTA does not send MAIL FROM events. SMFIP_NOMAIL
	OptNoRcptTo       OptProtocol = 1 << 3  // MTA does not send RCPT TO events. SMFIP_NORCPT
	OptNoBody         OptProtocol = 1 << 4  // MTA does not send message body data. SMFIP_NOBODY
	OptNoHeaders      OptProtocol = 1 << 5  // MTA does not send message header data. SMFIP_NOHDRS
	OptNoEOH          OptProtocol = 1 << 6  // MTA does not send end of header indication event. SMFIP_NOEOH
	OptNoHeaderReply  OptProtocol = 1 << 7  // Handler does not send a reply to header data. SMFIP_NR_HDR
	OptNoUnknown      OptProtocol = 1 << 8  // MTA does not send unknown SMTP command events. SMFIP_NOUNKNOWN
	OptNoData         OptProtocol = 1 << 9  // MTA does not send the DATA start event. SMFIP_NODATA
	OptSkip           OptProtocol = 1 << 10 // MTA supports ActSkip. SMFIP_SKIP [v6]
	OptRcptRej        OptProtocol = 1 << 11 // Handler wants rejected RCPTs. SMFIP_RCPT_REJ [v6]
	OptNoConnReply    OptProtocol = 1 << 12 // Handler does not send a reply to connection event. SMFIP_NR_CONN [v6]
	OptNoHeloReply    OptProtocol = 1 << 13 // Handler does not send a reply to HELO/EHLO event. SMFIP_NR_HELO [v6]
	OptNoMailReply    OptProtocol = 1 << 14 // Handler does not send a reply to MAIL FROM event. SMFIP_NR_MAIL [v6]
	OptNoRcptReply    OptProtocol = 1 << 15 // Handler does not send a reply to RCPT TO event. SMFIP_NR_RCPT [v6]
	OptNoDataReply    OptProtocol = 1 << 16 // Handler does not send a reply to DATA start event. SMFIP_NR_DATA [v6]
	OptNoUnknownReply OptProtocol = 1 << 17 // Handler does not send a reply to unknown command event. SMFIP_NR_UNKN [v6]
	OptNoEOHReply     OptProtocol = 1 << 18 // Handler does not send a reply to end of header event. SMFIP_NR_EOH [v6]
	OptNoBodyReply    OptProtocol = 1 << 19 // Handler does not send a reply to body chunk event. SMFIP_NR_BODY [v6]

	// OptHeaderLeadingSpace lets the Handler request that the MTA does not
	// swallow a leading space when passing the header value to the filter.
	// SMFIP_HDR_LEADSPC [v6]
	OptHeaderLeadingSpace OptProtocol = 1 << 20
)

const (
	// OptNoReplies combines every protocol flag that means "do not reply to
	// this stage" — use when a Handler only decides at EndOfMessage.
	OptNoReplies OptProtocol = OptNoHeaderReply | OptNoConnReply | OptNoHeloReply | OptNoMailReply | OptNoRcptReply | OptNoDataReply | OptNoUnknownReply | OptNoEOHReply | OptNoBodyReply
)

const (
	optMds256K  uint32 = 1 << 28                       // SMFIP_MDS_256K
	optMds1M    uint32 = 1 << 29                       // SMFIP_MDS_1M
	optInternal        = optMds256K | optMds1M | 1<<30 // bits 28-30 are only meaningful between MTA and a libmilter-speaking peer. SMFI_INTERNAL
	optV2       uint32 = 0x0000007F                    // all flags version 2 of the protocol defined (bits 0-6). SMFI_V2_PROT
)

var optProtocolNames = []struct {
	bit  OptProtocol
	name string
}{
	{OptNoConnect, "OptNoConnect"},
	{OptNoHelo, "OptNoHelo"},
	{OptNoMailFrom, "OptNoMailFrom"},
	{OptNoRcptTo, "OptNoRcptTo"},
	{OptNoBody, "OptNoBody"},
	{OptNoHeaders, "OptNoHeaders"},
	{OptNoEOH, "OptNoEOH"},
	{OptNoHeaderReply, "OptNoHeaderReply"},
	{OptNoUnknown, "OptNoUnknown"},
	{OptNoData, "OptNoData"},
	{OptSkip, "OptSkip"},
	{OptRcptRej, "OptRcptRej"},
	{OptNoConnReply, "OptNoConnReply"},
	{OptNoHeloReply, "OptNoHeloReply"},
	{OptNoMailReply, "OptNoMailReply"},
	{OptNoRcptReply, "OptNoRcptReply"},
	{OptNoDataReply, "OptNoDataReply"},
	{OptNoUnknownReply, "OptNoUnknownReply"},
	{OptNoEOHReply, "OptNoEOHReply"},
	{OptNoBodyReply, "OptNoBodyReply"},
	{OptHeaderLeadingSpace, "OptHeaderLeadingSpace"},
	{OptProtocol(optMds256K), "optMds256K"},
	{OptProtocol(optMds1M), "optMds1M"},
}

// String renders o as the "|"-joined names of its set bits, in
// alphabetical order. A set bit inside the MTA-internal reserved range
// (28-30) that has no name of its own is rendered as "internal bit N";
// any other unrecognized bit is rendered as "unknown bit N".
func (o OptProtocol) String() string {
	var parts []string
	remaining := o
	for _, n := range optProtocolNames {
		if remaining&n.bit != 0 {
			parts = append(parts, n.name)
			remaining &^= n.bit
		}
	}
	for bit := 0; bit < 32; bit++ {
		b := OptProtocol(1) << uint(bit)
		if remaining&b == 0 {
			continue
		}
		if uint32(b)&optInternal != 0 {
			parts = append(parts, "internal bit "+strconv.Itoa(bit))
		} else {
			parts = append(parts, "unknown bit "+strconv.Itoa(bit))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// DataSize is the maximum packet payload size the MTA or filter will use.
// Only three sizes are defined by the milter protocol; DataSize does not
// include the single command-byte.
type DataSize uint32

const (
	// DataSize64K is 64KB - 1 byte (command-byte). This is the default buffer size.
	DataSize64K DataSize = 1024*64 - 1
	// DataSize256K is 256KB - 1 byte (command-byte)
	DataSize256K DataSize = 1024*256 - 1
	// DataSize1M is 1MB - 1 byte (command-byte)
	DataSize1M DataSize = 1024*1024 - 1
)

// MaxClientProtocolVersion is the highest milter protocol version [Dialer]
// implements.
const MaxClientProtocolVersion uint32 = 6

// AllClientSupportedActionMasks is the OptAction bitmask a [Dialer]
// advertises by default: every action this library knows how to apply to
// a message.
const AllClientSupportedActionMasks = OptAddHeader | OptChangeBody | OptAddRcpt | OptRemoveRcpt | OptChangeHeader | OptQuarantine | OptChangeFrom | OptAddRcptWithArgs | OptSetMacros

// AllClientSupportedProtocolMasks is the OptProtocol bitmask a [Dialer]
// advertises by default for milter protocol version
// MaxClientProtocolVersion.
const AllClientSupportedProtocolMasks = OptNoConnect | OptNoHelo | OptNoMailFrom | OptNoRcptTo | OptNoBody | OptNoHeaders | OptNoEOH | OptNoUnknown | OptNoData | OptSkip | OptRcptRej | OptNoHeaderReply | OptNoConnReply | OptNoHeloReply | OptNoMailReply | OptNoRcptReply | OptNoDataReply | OptNoUnknownReply | OptNoEOHReply | OptNoBodyReply | OptHeaderLeadingSpace

// ProtoFamily identifies the socket family a CONNECT packet describes.
type ProtoFamily byte

const (
	FamilyUnknown ProtoFamily = 'U' // SMFIA_UNKNOWN
	FamilyUnix    ProtoFamily = 'L' // SMFIA_UNIX
	FamilyInet    ProtoFamily = '4' // SMFIA_INET
	FamilyInet6   ProtoFamily = '6' // SMFIA_INET6
)

// State is a point in the per-connection protocol state machine.
type State int

const (
	StateStart State = iota
	StateNegotiated
	StateConnected
	StateGreeted
	StateEnvelopeFrom
	StateRecipient
	StateData
	StateHeader
	StateEndOfHeader
	StateBody
	StateEndOfMessage
	StateAborted
	StateClosed
	StateQuitting
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateNegotiated:
		return "Negotiated"
	case StateConnected:
		return "Connected"
	case StateGreeted:
		return "Greeted"
	case StateEnvelopeFrom:
		return "EnvelopeFrom"
	case StateRecipient:
		return "Recipient"
	case StateData:
		return "Data"
	case StateHeader:
		return "Header"
	case StateEndOfHeader:
		return "EndOfHeader"
	case StateBody:
		return "Body"
	case StateEndOfMessage:
		return "EndOfMessage"
	case StateAborted:
		return "Aborted"
	case StateClosed:
		return "Closed"
	case StateQuitting:
		return "Quitting"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}
