// Package upload negotiates HTTP upload slots (XEP-0363) and transfers
// file bytes to them.
package upload

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"
)

// Querier issues correlated IQ queries.
type Querier interface {
	Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error)
}

// Slot is a server-issued URL pair: the file bytes go to PutURL, the
// GetURL is what gets referenced in chat messages.
type Slot struct {
	PutURL  string
	GetURL  string
	Headers map[string]string
}

// Service requests slots from one upload service and performs the PUT leg.
type Service struct {
	q      Querier
	jid    string
	client *http.Client
}

// NewService creates an upload service client for the given service JID.
func NewService(q Querier, serviceJID string) *Service {
	return &Service{
		q:   q,
		jid: serviceJID,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type slotRequest struct {
	XMLName     xml.Name `xml:"urn:xmpp:http:upload:0 request"`
	Filename    string   `xml:"filename,attr"`
	Size        int64    `xml:"size,attr"`
	ContentType string   `xml:"content-type,attr,omitempty"`
}

type slotResult struct {
	XMLName xml.Name `xml:"urn:xmpp:http:upload:0 slot"`
	Put     struct {
		URL     string `xml:"url,attr"`
		Headers []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:",chardata"`
		} `xml:"header"`
	} `xml:"put"`
	Get struct {
		URL string `xml:"url,attr"`
	} `xml:"get"`
}

// RequestSlot asks the service for a write/read URL pair sized to the file.
func (s *Service) RequestSlot(ctx context.Context, filename string, size int64, contentType string) (*Slot, error) {
	payload := slotRequest{Filename: filename, Size: size, ContentType: contentType}
	reply, err := s.q.Query(ctx, s.jid, "get", payload, 0)
	if err != nil {
		return nil, err
	}

	var result slotResult
	if err := xml.Unmarshal(reply, &result); err != nil {
		return nil, fmt.Errorf("malformed slot response: %w", err)
	}
	if result.Put.URL == "" || result.Get.URL == "" {
		return nil, fmt.Errorf("slot response missing URLs")
	}

	slot := &Slot{
		PutURL:  result.Put.URL,
		GetURL:  result.Get.URL,
		Headers: make(map[string]string),
	}
	for _, h := range result.Put.Headers {
		slot.Headers[h.Name] = h.Value
	}
	return slot, nil
}

// Put transfers the raw file bytes to the slot's write URL. Any non-2xx
// status fails the transfer.
func (s *Service) Put(ctx context.Context, slot *Slot, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PutURL, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))
	for k, v := range slot.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload failed with status: %d", resp.StatusCode)
	}
	return nil
}
