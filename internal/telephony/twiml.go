package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Minimal TwiML builder for the verbs the inbound webhook needs.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name      `xml:"Dial"`
	CallerID string        `xml:"callerId,attr,omitempty"`
	Clients  []twimlClient `xml:"Client"`
}

type twimlClient struct {
	Identity string `xml:",chardata"`
}

var ErrNoClients = errors.New("telephony: connect requires at least one client")

// RenderTwiML maps an InboundCallResult to TwiML. Connect rings every client
// in parallel; the first to answer takes the call.
func RenderTwiML(res InboundCallResult) (string, error) {
	var r twimlResponse

	switch res.Action {
	case InboundCallActionReject:
		r.Verbs = append(r.Verbs, twimlReject{Reason: "busy"})
	case InboundCallActionHangup:
		r.Verbs = append(r.Verbs, twimlHangup{})
	case InboundCallActionConnect:
		d := twimlDial{CallerID: res.CallerID}
		for _, id := range res.Clients {
			if id = strings.TrimSpace(id); id != "" {
				d.Clients = append(d.Clients, twimlClient{Identity: id})
			}
		}
		if len(d.Clients) == 0 {
			return "", ErrNoClients
		}
		r.Verbs = append(r.Verbs, d)
	default:
		return "", errors.New("telephony: unknown inbound action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
