// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

const xmlTimeLayout = "2006-01-02T15:04:05.000Z"

type xmlEvent struct {
	XMLName xml.Name  `xml:"event"`
	Version string    `xml:"version,attr"`
	UID     string    `xml:"uid,attr"`
	Type    string    `xml:"type,attr"`
	Time    string    `xml:"time,attr"`
	Start   string    `xml:"start,attr"`
	Stale   string    `xml:"stale,attr"`
	How     string    `xml:"how,attr"`
	Point   xmlPoint  `xml:"point"`
	Detail  xmlDetail `xml:"detail"`
}

type xmlPoint struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
	Hae float64 `xml:"hae,attr"`
	Ce  float64 `xml:"ce,attr"`
	Le  float64 `xml:"le,attr"`
}

type xmlContact struct {
	Callsign string `xml:"callsign,attr,omitempty"`
	Endpoint string `xml:"endpoint,attr,omitempty"`
}

type xmlDetail struct {
	Contact *xmlContact
	Extra   []byte
}

// MarshalXML writes the contact element first, followed by the raw extra elements.
func (d xmlDetail) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	if d.Contact != nil {
		if err := enc.EncodeElement(d.Contact, xml.StartElement{Name: xml.Name{Local: "contact"}}); err != nil {
			return err
		}
	}

	if len(d.Extra) > 0 {
		dec := xml.NewDecoder(bytes.NewReader(d.Extra))
		for {
			tok, err := dec.Token()
			if err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("detail: %w", err)
			}
			if err := enc.EncodeToken(tok); err != nil {
				return err
			}
		}
	}

	return enc.EncodeToken(start.End())
}

// UnmarshalXML extracts the first top level contact element, all other content is kept verbatim.
func (d *xmlDetail) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	var extra bytes.Buffer
	enc := xml.NewEncoder(&extra)

	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 && t.Name.Local == "contact" && d.Contact == nil {
				contact := new(xmlContact)
				if err := dec.DecodeElement(contact, &t); err != nil {
					return err
				}
				d.Contact = contact
				continue
			}
			depth++

		case xml.EndElement:
			if depth == 0 {
				if err := enc.Flush(); err != nil {
					return err
				}
				if extra.Len() > 0 {
					d.Extra = extra.Bytes()
				}
				return nil
			}
			depth--
		}

		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return err
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(xmlTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// EncodeXML serializes this Message as a legacy XML document.
func (m *Message) EncodeXML() ([]byte, error) {
	ev := xmlEvent{
		Version: "2.0",
		UID:     m.UID,
		Type:    m.Type,
		Time:    formatTime(m.Time),
		Start:   formatTime(m.Start),
		Stale:   formatTime(m.Stale),
		How:     m.How,
		Point:   xmlPoint(m.Point),
		Detail:  xmlDetail{Extra: m.Detail.Extra},
	}
	if c := m.Detail.Contact; c != nil {
		ev.Detail.Contact = &xmlContact{Callsign: c.Callsign, Endpoint: c.Endpoint}
	}

	buff := bytes.NewBufferString(xml.Header)
	if err := xml.NewEncoder(buff).Encode(&ev); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// DecodeXML parses a legacy XML document.
func DecodeXML(data []byte) (*Message, error) {
	var ev xmlEvent
	if err := xml.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("cot: parsing XML event: %w", err)
	}

	m := &Message{
		UID:   ev.UID,
		Type:  ev.Type,
		How:   ev.How,
		Point: Point(ev.Point),
		Detail: Detail{
			Extra: ev.Detail.Extra,
		},
	}
	if c := ev.Detail.Contact; c != nil {
		m.Detail.Contact = &Contact{Callsign: c.Callsign, Endpoint: c.Endpoint}
	}

	var err error
	if m.Time, err = parseTime(ev.Time); err != nil {
		return nil, fmt.Errorf("cot: event time: %w", err)
	}
	if m.Start, err = parseTime(ev.Start); err != nil {
		return nil, fmt.Errorf("cot: event start: %w", err)
	}
	if m.Stale, err = parseTime(ev.Stale); err != nil {
		return nil, fmt.Errorf("cot: event stale: %w", err)
	}

	return m, nil
}
