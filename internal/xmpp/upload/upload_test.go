package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeQuerier struct {
	to    string
	reply []byte
	err   error
}

func (f *fakeQuerier) Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error) {
	f.to = to
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func TestRequestSlotParsesResponse(t *testing.T) {
	q := &fakeQuerier{
		reply: []byte(`<slot xmlns='urn:xmpp:http:upload:0'><put url='https://files.chat.example/put/a.png'><header name='Authorization'>Basic xyz</header></put><get url='https://files.chat.example/get/a.png'/></slot>`),
	}
	s := NewService(q, "httpfileupload.chat.example")

	slot, err := s.RequestSlot(context.Background(), "a.png", 1024, "image/png")
	if err != nil {
		t.Fatalf("request slot: %v", err)
	}
	if q.to != "httpfileupload.chat.example" {
		t.Fatalf("slot request addressed to %q", q.to)
	}
	if slot.PutURL != "https://files.chat.example/put/a.png" {
		t.Fatalf("unexpected put url: %q", slot.PutURL)
	}
	if slot.GetURL != "https://files.chat.example/get/a.png" {
		t.Fatalf("unexpected get url: %q", slot.GetURL)
	}
	if slot.Headers["Authorization"] != "Basic xyz" {
		t.Fatalf("unexpected headers: %+v", slot.Headers)
	}
}

func TestRequestSlotRejectsMissingURLs(t *testing.T) {
	q := &fakeQuerier{
		reply: []byte(`<slot xmlns='urn:xmpp:http:upload:0'><put url=''/><get url='https://files.chat.example/get/a.png'/></slot>`),
	}
	s := NewService(q, "httpfileupload.chat.example")

	if _, err := s.RequestSlot(context.Background(), "a.png", 1024, ""); err == nil {
		t.Fatalf("expected error for slot without put url")
	}
}

func TestPutTransfersBytesWithSlotHeaders(t *testing.T) {
	var gotMethod, gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewService(&fakeQuerier{}, "httpfileupload.chat.example")
	slot := &Slot{
		PutURL:  srv.URL,
		GetURL:  srv.URL,
		Headers: map[string]string{"Authorization": "Basic xyz"},
	}

	if err := s.Put(context.Background(), slot, []byte("file bytes"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("expected PUT, got %s", gotMethod)
	}
	if gotAuth != "Basic xyz" || gotType != "text/plain" {
		t.Fatalf("headers not forwarded: auth=%q type=%q", gotAuth, gotType)
	}
	if string(gotBody) != "file bytes" {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestPutFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewService(&fakeQuerier{}, "httpfileupload.chat.example")
	slot := &Slot{PutURL: srv.URL, GetURL: srv.URL}

	err := s.Put(context.Background(), slot, []byte("x"), "")
	if err == nil {
		t.Fatalf("expected error for rejected upload")
	}
	want := fmt.Sprintf("status: %d", http.StatusForbidden)
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("expected %q in error, got %v", want, err)
	}
}
