package milter

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/norihiro-kitaoka/milter-manager/envelope"
)

// MacroStage identifies which protocol stage a macro value was reported for.
type MacroStage = byte

const (
	StageConnect        MacroStage = iota // SMFIM_CONNECT
	StageHelo                             // SMFIM_HELO
	StageMail                             // SMFIM_ENVFROM
	StageRcpt                             // SMFIM_ENVRCPT
	StageData                             // SMFIM_DATA
	StageEOM                              // SMFIM_EOM
	StageEOH                              // SMFIM_EOH
	StageEndMarker                        // command level macros: Abort, Unknown, Header
	StageNotFoundMarker                   // reported by macrosStages.GetMacroEx when a name was never set
)

// MacroName is the key an MTA uses for a macro, e.g. "i" or "{auth_authen}".
type MacroName = string

// Macros portable across sendmail and Postfix.
const (
	MacroMTAFullyQualifiedDomainName MacroName = "j"
	MacroDaemonName                  MacroName = "{daemon_name}"
	MacroIfName                      MacroName = "{if_name}"
	MacroIfAddr                      MacroName = "{if_addr}"
	MacroTlsVersion                  MacroName = "{tls_version}"
	MacroCipher                      MacroName = "{cipher}"
	MacroCipherBits                  MacroName = "{cipher_bits}"
	MacroCertSubject                 MacroName = "{cert_subject}"
	MacroCertIssuer                  MacroName = "{cert_issuer}"
	// MacroQueueId is the queue ID for this message. Some MTAs (Postfix)
	// only assign one after the DATA command.
	MacroQueueId MacroName = "i"
	// MacroAuthType is the SASL mechanism used to authenticate (LOGIN,
	// DIGEST-MD5, ...).
	MacroAuthType   MacroName = "{auth_type}"
	MacroAuthAuthen MacroName = "{auth_authen}"
	// MacroAuthSsf is the key length, in bits, of the negotiated TLS layer.
	MacroAuthSsf MacroName = "{auth_ssf}"
	// MacroAuthAuthor is the optional overwrite username for this message.
	MacroAuthAuthor MacroName = "{auth_author}"
	MacroMailMailer MacroName = "{mail_mailer}"
	MacroMailHost   MacroName = "{mail_host}"
	// MacroMailAddr is the MAIL FROM address without angle brackets.
	MacroMailAddr   MacroName = "{mail_addr}"
	MacroRcptMailer MacroName = "{rcpt_mailer}"
	MacroRcptHost   MacroName = "{rcpt_host}"
	// MacroRcptAddr is the RCPT TO address without angle brackets.
	MacroRcptAddr MacroName = "{rcpt_addr}"
)

// Macros only reliably available from sendmail.
const (
	MacroRFC1413AuthInfo    MacroName = "_"
	MacroHopCount           MacroName = "c"
	MacroSenderHostName     MacroName = "s"
	MacroProtocolUsed       MacroName = "r"
	MacroMTAPid             MacroName = "p"
	MacroDateRFC822Origin   MacroName = "a"
	MacroDateRFC822Current  MacroName = "b"
	MacroDateANSICCurrent   MacroName = "d"
	MacroDateSecondsCurrent MacroName = "t"
)

type macroRequests [][]MacroName

// Macros is a read-only view over the macro values an MTA has reported.
type Macros interface {
	Get(name MacroName) string
	GetEx(name MacroName) (value string, ok bool)
}

// MailEnvelope reads MacroMailAddr from m and wraps it into an
// envelope.Address, for callbacks that need the sender's domain rather than
// the raw macro string.
func MailEnvelope(m Macros) envelope.Address {
	return envelope.New(m.Get(MacroMailAddr))
}

// RcptEnvelope reads MacroRcptAddr from m and wraps it into an
// envelope.Address, for callbacks that need the recipient's domain rather
// than the raw macro string.
func RcptEnvelope(m Macros) envelope.Address {
	return envelope.New(m.Get(MacroRcptAddr))
}

// MacroBag is a concurrency-safe, copyable implementation of Macros used on
// the Dialer side to hold the macro values a test client or MTA stand-in
// wants to feed into a Session. It resolves the date macros on demand unless
// a value was explicitly Set.
//
// The zero value of MacroBag is invalid; use NewMacroBag.
type MacroBag struct {
	macros                  map[MacroName]string
	mutex                   sync.RWMutex
	currentDate, headerDate time.Time
}

func NewMacroBag() *MacroBag {
	return &MacroBag{
		macros: make(map[MacroName]string),
	}
}

func (m *MacroBag) Get(name MacroName) string {
	v, _ := m.GetEx(name)
	return v
}

func (m *MacroBag) GetEx(name MacroName) (value string, ok bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if value, ok = m.macros[name]; ok {
		return
	}
	return m.resolveDateMacro(name)
}

func (m *MacroBag) resolveDateMacro(name MacroName) (value string, ok bool) {
	switch name {
	case MacroDateRFC822Origin:
		if !m.headerDate.IsZero() {
			return m.headerDate.Format(time.RFC822Z), true
		}
	case MacroDateRFC822Current, MacroDateSecondsCurrent, MacroDateANSICCurrent:
		current := m.currentDate
		if current.IsZero() {
			current = time.Now()
		}
		switch name {
		case MacroDateRFC822Current:
			return current.Format(time.RFC822Z), true
		case MacroDateSecondsCurrent:
			return fmt.Sprintf("%d", current.Unix()), true
		case MacroDateANSICCurrent:
			return current.Format(time.ANSIC), true
		}
	}
	return "", false
}

func (m *MacroBag) Set(name MacroName, value string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.macros[name] = value
}

// Copy copies the macro values to a new MacroBag. SetCurrentDate and
// SetHeaderDate values do not carry over.
func (m *MacroBag) Copy() *MacroBag {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	macros := make(map[MacroName]string, len(m.macros))
	for k, v := range m.macros {
		macros[k] = v
	}
	return &MacroBag{macros: macros}
}

func (m *MacroBag) SetCurrentDate(date time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.currentDate = date
}

func (m *MacroBag) SetHeaderDate(date time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.headerDate = date
}

var _ Macros = &MacroBag{}

// macrosStages stores the macro values a Context received, indexed by the
// stage they arrived in so a later GetMacroEx can return the most recent
// value reported for a name, regardless of which stage set it.
type macrosStages struct {
	byStages []map[MacroName]string
}

func newMacroStages() *macrosStages {
	return &macrosStages{
		byStages: make([]map[MacroName]string, StageEndMarker+1),
	}
}

// GetMacroEx walks the stages in reverse protocol order (protocolOrder),
// from StageEndMarker back to StageConnect, and returns the first value
// found for name.
func (s *macrosStages) GetMacroEx(name MacroName) (value string, stageFound MacroStage) {
	for i := len(protocolOrder) - 1; i >= 0; i-- {
		stage := protocolOrder[i]
		if v, ok := s.byStages[stage][name]; ok {
			return v, stage
		}
	}
	return "", StageNotFoundMarker
}

func (s *macrosStages) SetMacro(stage MacroStage, name MacroName, value string) {
	if int(stage) >= len(s.byStages) {
		panic(fmt.Sprintf("tried to set macro in invalid stage %v", stage))
	}
	if s.byStages[stage] == nil {
		s.byStages[stage] = make(map[MacroName]string)
	}
	s.byStages[stage][name] = value
}

// SetStage replaces stage's macros wholesale with the name/value pairs in
// kv, as delivered by a wire Macro packet.
func (s *macrosStages) SetStage(stage MacroStage, kv ...string) {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("kv needs to have an even amount of entries, not %d", len(kv)))
	}
	if int(stage) >= len(s.byStages) {
		panic(fmt.Sprintf("tried to set invalid stage %v", stage))
	}
	macros := make(map[MacroName]string, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		macros[kv[i]] = kv[i+1]
	}
	s.byStages[stage] = macros
}

func (s *macrosStages) DelMacro(stage MacroStage, name MacroName) {
	if s.byStages[stage] == nil {
		return
	}
	delete(s.byStages[stage], name)
	if len(s.byStages[stage]) == 0 {
		s.byStages[stage] = nil
	}
}

func (s *macrosStages) DelStage(stage MacroStage) {
	s.byStages[stage] = nil
}

// protocolOrder lists the stages in the order they actually occur on the
// wire. It differs from the MacroStage enum's declaration order, where
// StageEOM is numbered before StageEOH even though EOH always happens
// first in the protocol.
var protocolOrder = []MacroStage{StageConnect, StageHelo, StageMail, StageRcpt, StageData, StageEOH, StageEOM, StageEndMarker}

// DelStageAndAbove discards stage and every stage that can only occur after
// it in the protocol's command ordering, used when a Context rewinds state
// on Abort or a re-issued MAIL/RCPT.
func (s *macrosStages) DelStageAndAbove(stage MacroStage) {
	clearing := false
	for _, st := range protocolOrder {
		if st == stage {
			clearing = true
		}
		if clearing {
			s.byStages[st] = nil
		}
	}
}

// macroReader is a read-only Macros view of a macrosStages, handed to
// Handler callbacks through Modifier.
type macroReader struct {
	macrosStages *macrosStages
}

func (r *macroReader) GetEx(name MacroName) (val string, ok bool) {
	if r == nil || r.macrosStages == nil {
		return "", false
	}
	val, stage := r.macrosStages.GetMacroEx(name)
	return val, stage <= StageEndMarker
}

func (r *macroReader) Get(name MacroName) string {
	v, _ := r.GetEx(name)
	return v
}

var _ Macros = &macroReader{}

// parseRequestedMacros splits the space/comma separated macro name list an
// MTA sends during OPTNEG. strings.FieldsFunc never yields empty elements,
// so no further filtering is needed.
func parseRequestedMacros(str string) []string {
	fields := strings.FieldsFunc(str, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	if fields == nil {
		fields = []string{}
	}
	return fields
}

// removeDuplicates returns names with duplicates dropped, keeping the first
// occurrence's position.
func removeDuplicates(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
