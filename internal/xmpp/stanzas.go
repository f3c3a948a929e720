package xmpp

import (
	"bytes"
	"encoding/xml"
)

// Wire representations of the stanzas this client sends and receives.
// Extension payloads follow their XEP namespaces; inbound structs decode
// only the elements the client acts on.

type messageStanza struct {
	XMLName xml.Name `xml:"message"`
	To      string   `xml:"to,attr"`
	ID      string   `xml:"id,attr,omitempty"`
	Type    string   `xml:"type,attr"`
	Body    string   `xml:"body,omitempty"`
	OOB     *oobX    `xml:"x,omitempty"`
}

// oobX is the out-of-band-data extension (XEP-0066) carrying a file URL.
type oobX struct {
	XMLName xml.Name `xml:"jabber:x:oob x"`
	URL     string   `xml:"url"`
}

type presenceStanza struct {
	XMLName  xml.Name `xml:"presence"`
	To       string   `xml:"to,attr,omitempty"`
	Type     string   `xml:"type,attr,omitempty"`
	Priority int      `xml:"priority,omitempty"`
	MUC      *mucX    `xml:"x,omitempty"`
}

// mucX marks a directed presence as a MUC join (XEP-0045).
type mucX struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc x"`
}

// registerQuery is the in-band account registration payload (XEP-0077).
type registerQuery struct {
	XMLName  xml.Name `xml:"jabber:iq:register query"`
	Username string   `xml:"username"`
	Password string   `xml:"password"`
}

type iqStanza struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	Type    string   `xml:"type,attr"`
	Inner   []byte   `xml:",innerxml"`
}

type inboundMessage struct {
	XMLName xml.Name `xml:"message"`
	From    string   `xml:"from,attr"`
	Type    string   `xml:"type,attr"`
	Body    string   `xml:"body"`
	OOB     *struct {
		URL string `xml:"url"`
	} `xml:"jabber:x:oob x"`
	MAM *struct {
		QueryID   string `xml:"queryid,attr"`
		Forwarded []byte `xml:",innerxml"`
	} `xml:"urn:xmpp:mam:2 result"`
}

type inboundPresence struct {
	XMLName xml.Name `xml:"presence"`
	From    string   `xml:"from,attr"`
	Type    string   `xml:"type,attr"`
	MUCUser *struct {
		Item *struct {
			Role        string `xml:"role,attr"`
			Affiliation string `xml:"affiliation,attr"`
		} `xml:"item"`
	} `xml:"http://jabber.org/protocol/muc#user x"`
}

type inboundIQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	From    string   `xml:"from,attr"`
	Type    string   `xml:"type,attr"`
	Inner   []byte   `xml:",innerxml"`
}

// errorCondition extracts the defined-condition element name from an error
// IQ's inner XML, e.g. "item-not-found". The condition is the first child
// of <error/> that is not the human-readable <text/>.
func errorCondition(inner []byte) string {
	d := xml.NewDecoder(bytes.NewReader(inner))
	inErr := false
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "error" {
				inErr = true
				continue
			}
			if inErr && t.Name.Local != "text" {
				return t.Name.Local
			}
		case xml.EndElement:
			if t.Name.Local == "error" {
				inErr = false
			}
		}
	}
}
