// Command milter-probe drives a milter.Dialer session against a live
// milter, feeding it the header and body read from stdin and printing every
// action and modify action it returns.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/transform"

	"github.com/norihiro-kitaoka/milter-manager"
	"github.com/norihiro-kitaoka/milter-manager/milterutil"
)

func printAction(prefix string, act *milter.Action) {
	switch act.Type {
	case milter.ActionAccept:
		log.Println(prefix, "accept")
	case milter.ActionReject:
		log.Println(prefix, "reject")
	case milter.ActionDiscard:
		log.Println(prefix, "discard")
	case milter.ActionTempFail:
		log.Println(prefix, "temp. fail")
	case milter.ActionRejectWithCode:
		log.Println(prefix, "reply code:", act.SMTPCode, act.SMTPReply)
	case milter.ActionContinue:
		log.Println(prefix, "continue")
	case milter.ActionSkip:
		log.Println(prefix, "skip")
	}
}

func printModifyAction(act milter.ModifyAction) {
	switch act.Type {
	case milter.ActionAddHeader:
		log.Printf("add header: name %s, value %s", act.HeaderName, act.HeaderValue)
	case milter.ActionInsertHeader:
		log.Printf("insert header: at %d, name %s, value %s", act.HeaderIndex, act.HeaderName, act.HeaderValue)
	case milter.ActionChangeFrom:
		log.Printf("change from: %s %s", act.From, act.FromArgs)
	case milter.ActionChangeHeader:
		log.Printf("change header: at %d, name %s, value %s", act.HeaderIndex, act.HeaderName, act.HeaderValue)
	case milter.ActionReplaceBody:
		log.Println("replace body:", string(act.Body))
	case milter.ActionAddRcpt:
		log.Println("add rcpt:", act.Rcpt)
	case milter.ActionDelRcpt:
		log.Println("del rcpt:", act.Rcpt)
	case milter.ActionQuarantine:
		log.Println("quarantine:", act.Reason)
	}
}

func main() {
	network := flag.String("network", "unix", "Network to dial the milter on, one of 'tcp', 'tcp4', 'tcp6' or 'unix'")
	address := flag.String("address", "", "Address to dial, path for 'unix', host:port for 'tcp'")
	hostname := flag.String("hostname", "localhost", "Value to send in the CONNECT command")
	family := flag.String("family", string(milter.FamilyInet), "Protocol family to send in the CONNECT command")
	port := flag.Uint("port", 2525, "Port to send in the CONNECT command")
	connAddr := flag.String("conn-addr", "127.0.0.1", "Connection address to send in the CONNECT command")
	helo := flag.String("helo", "localhost", "Value to send in the HELO command")
	mailFrom := flag.String("from", "prober@example.org", "Value to send in the MAIL command")
	rcptTo := flag.String("rcpt", "recipient@example.com", "Comma-separated list of RCPT values")
	actionMask := flag.Uint("actions", uint(milter.AllClientSupportedActionMasks), "Bitmask of actions offered to the milter")
	protocolMask := flag.Uint("protocol", uint(milter.AllClientSupportedProtocolMasks), "Bitmask of protocol flags offered to the milter")
	flag.Parse()

	if *address == "" {
		log.Fatal("-address is required")
	}

	d := milter.NewDialer(*network, *address,
		milter.WithActions(milter.OptAction(*actionMask)),
		milter.WithProtocols(milter.OptProtocol(*protocolMask)))

	s, err := d.Session(nil)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	act, err := s.Conn(*hostname, milter.ProtoFamily((*family)[0]), uint16(*port), *connAddr)
	if err != nil {
		log.Fatal(err)
	}
	printAction("CONNECT:", act)
	if act.StopProcessing() {
		return
	}

	act, err = s.Helo(*helo)
	if err != nil {
		log.Fatal(err)
	}
	printAction("HELO:", act)
	if act.StopProcessing() {
		return
	}

	act, err = s.Mail(*mailFrom, "")
	if err != nil {
		log.Fatal(err)
	}
	printAction("MAIL:", act)
	if act.StopProcessing() {
		return
	}

	for _, rcpt := range strings.Split(*rcptTo, ",") {
		act, err = s.Rcpt(rcpt, "")
		if err != nil {
			log.Fatal(err)
		}
		printAction("RCPT "+rcpt+":", act)
	}

	act, err = s.DataStart()
	if err != nil {
		log.Fatal(err)
	}
	printAction("DATA:", act)
	if act.StopProcessing() {
		return
	}

	bufR := bufio.NewReader(transform.NewReader(os.Stdin, &milterutil.CrLfCanonicalizationTransformer{}))
	hdr, err := textproto.ReadHeader(bufR)
	if err != nil {
		log.Fatal("header parse:", err)
	}

	act, err = s.Header(hdr)
	if err != nil {
		log.Fatal(err)
	}
	printAction("HEADER:", act)
	if act.StopProcessing() {
		return
	}

	modifyActs, act, err := s.BodyReadFrom(bufR)
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range modifyActs {
		printModifyAction(m)
	}
	printAction("EOB:", act)
}
