// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func httpErr(status int) error {
	return mautrix.HTTPError{
		Request:  httptest.NewRequest(http.MethodPut, "/_matrix/client/v3/rooms/!r/send/m.room.message/1", nil),
		Response: &http.Response{StatusCode: status},
	}
}

func TestClassifyMatrixError(t *testing.T) {
	t.Parallel()
	tooLarge := mautrix.HTTPError{
		Request:   httptest.NewRequest(http.MethodPost, "/_matrix/media/v3/upload", nil),
		Response:  &http.Response{StatusCode: http.StatusRequestEntityTooLarge},
		RespError: &mautrix.RespError{ErrCode: "M_TOO_LARGE", Err: "Upload too large"},
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"M_TOO_LARGE", tooLarge, ErrPayloadTooLarge},
		{"413", httpErr(http.StatusRequestEntityTooLarge), ErrPayloadTooLarge},
		{"408", httpErr(http.StatusRequestTimeout), ErrTransientTimeout},
		{"504", httpErr(http.StatusGatewayTimeout), ErrTransientTimeout},
		{"network timeout", fmt.Errorf("send: %w", timeoutError{}), ErrTransientTimeout},
	}
	wrapped := fmt.Errorf("send: %w", timeoutError{})
	if got := classifyMatrixError(wrapped); !errors.Is(got, wrapped) {
		t.Error("classified error should keep the original in its chain")
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classifyMatrixError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyMatrixErrorPassthrough(t *testing.T) {
	t.Parallel()
	for _, err := range []error{
		httpErr(http.StatusForbidden),
		errors.New("something else"),
		context.Canceled,
	} {
		got := classifyMatrixError(err)
		if errors.Is(got, ErrPayloadTooLarge) || errors.Is(got, ErrTransientTimeout) {
			t.Errorf("classifyMatrixError(%v): got %v, want it unclassified", err, got)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()
	if !isTimeout(timeoutError{}) {
		t.Error("net timeout should be a timeout")
	}
	if isTimeout(context.Canceled) {
		t.Error("cancellation should not be a timeout")
	}
	if isTimeout(errors.New("connection refused")) {
		t.Error("plain errors should not be timeouts")
	}
}

// fakeHomeserver serves the few client-server API endpoints MatrixClient uses.
type fakeHomeserver struct {
	*httptest.Server

	mu       sync.Mutex
	sendBody []string
	syncs    int
	whoami   string
	status   int
	reply    string
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	hs := &fakeHomeserver{status: http.StatusOK, whoami: string(testRelayID)}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hs.mu.Lock()
		status, reply := hs.status, hs.reply
		hs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/account/whoami"):
			hs.mu.Lock()
			reply = `{"user_id":"` + hs.whoami + `","device_id":"DEV"}`
			hs.mu.Unlock()
		case strings.HasSuffix(r.URL.Path, "/filter"):
			reply = `{"filter_id":"1"}`
		case strings.HasSuffix(r.URL.Path, "/sync"):
			hs.mu.Lock()
			hs.syncs++
			hs.mu.Unlock()
			reply = `{"next_batch":"s1"}`
		case strings.Contains(r.URL.Path, "/send/m.room.message/"):
			hs.mu.Lock()
			hs.sendBody = append(hs.sendBody, string(body))
			hs.mu.Unlock()
			if reply == "" {
				reply = `{"event_id":"$relayed"}`
			}
		case strings.HasSuffix(r.URL.Path, "/upload"):
			if reply == "" {
				reply = `{"content_uri":"mxc://example.com/uploaded"}`
			}
		default:
			status, reply = http.StatusNotFound, `{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *fakeHomeserver) respond(status int, reply string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.status, hs.reply = status, reply
}

func newTestMatrixClient(t *testing.T, hs *fakeHomeserver) *MatrixClient {
	t.Helper()
	m, err := NewMatrixClient(MatrixConfig{
		Homeserver:  hs.URL,
		UserID:      testRelayID,
		AccessToken: "syt_test",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMatrixClient: %v", err)
	}
	return m
}

func TestMatrixClientSendMessage(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	m := newTestMatrixClient(t, hs)

	evtID, err := m.SendMessage(context.Background(), testRoom, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "Bob: hello",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if evtID != "$relayed" {
		t.Errorf("event ID: got %q, want %q", evtID, "$relayed")
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.sendBody) != 1 || !strings.Contains(hs.sendBody[0], `"body":"Bob: hello"`) {
		t.Errorf("send bodies: got %q", hs.sendBody)
	}
}

func TestMatrixClientSendMessageTooLarge(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	hs.respond(http.StatusRequestEntityTooLarge, `{"errcode":"M_TOO_LARGE","error":"Event too large"}`)
	m := newTestMatrixClient(t, hs)

	_, err := m.SendMessage(context.Background(), testRoom, &event.MessageEventContent{MsgType: event.MsgText, Body: "x"})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestMatrixClientSendMessageForbidden(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	hs.respond(http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"not in room"}`)
	m := newTestMatrixClient(t, hs)

	_, err := m.SendMessage(context.Background(), testRoom, &event.MessageEventContent{MsgType: event.MsgText, Body: "x"})
	if err == nil {
		t.Fatal("SendMessage should fail")
	}
	if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrTransientTimeout) {
		t.Errorf("got %v, want an unclassified error", err)
	}
	if !errors.Is(err, mautrix.MForbidden) {
		t.Errorf("got %v, want M_FORBIDDEN", err)
	}
}

func TestMatrixClientUploadMedia(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	m := newTestMatrixClient(t, hs)

	uri, err := m.UploadMedia(context.Background(), pngBytes, "image/png", "a.png")
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if uri != "mxc://example.com/uploaded" {
		t.Errorf("URI: got %q, want %q", uri, "mxc://example.com/uploaded")
	}
}

func TestMatrixClientDownloadMediaInvalidURI(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	m := newTestMatrixClient(t, hs)

	if _, err := m.DownloadMedia(context.Background(), "https://example.com/not-mxc"); err == nil {
		t.Error("DownloadMedia should reject a non-mxc URI")
	}
}

func TestMatrixClientDisconnectWithoutConnect(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	m := newTestMatrixClient(t, hs)
	// Must not block when the sync loop never started.
	m.Disconnect()
	m.Disconnect()
	if m.UserID() != testRelayID {
		t.Errorf("UserID: got %q, want %q", m.UserID(), testRelayID)
	}
}

func TestMatrixClientConnectDoesNotSync(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	hs.mu.Lock()
	hs.whoami = "@relay-actual:example.com"
	hs.mu.Unlock()
	m := newTestMatrixClient(t, hs)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.UserID() != "@relay-actual:example.com" {
		t.Errorf("UserID: got %q, want %q", m.UserID(), "@relay-actual:example.com")
	}
	hs.mu.Lock()
	syncs := hs.syncs
	hs.mu.Unlock()
	if syncs != 0 {
		t.Errorf("sync requests before StartSync: got %d, want 0", syncs)
	}
	m.Disconnect()
}

func TestMatrixClientStartSync(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver(t)
	m := newTestMatrixClient(t, hs)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.StartSync(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for {
		hs.mu.Lock()
		syncs := hs.syncs
		hs.mu.Unlock()
		if syncs > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync loop never reached the homeserver")
		}
		time.Sleep(10 * time.Millisecond)
	}
	m.Disconnect()
}
