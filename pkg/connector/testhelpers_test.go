// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
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
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-tgrelay/pkg/connector/correspondence"
)

const (
	testRoom    = id.RoomID("!room:example.com")
	testChat    = int64(555)
	testRelayID = id.UserID("@relay:example.com")
	testBotID   = int64(4242)
	testToken   = "123456:test-token"
)

// sentMatrix is one message delivered to the fake homeserver.
type sentMatrix struct {
	Room    id.RoomID
	Content *event.MessageEventContent
}

// fakeMatrix implements matrixAPI in memory.
type fakeMatrix struct {
	mu sync.Mutex

	sent    []sentMatrix
	uploads []Media
	// sendErrs are returned by successive SendMessage calls before any succeed.
	sendErrs  []error
	sendCalls int
	uploadErr error
	// media maps mxc URIs to their content for DownloadMedia.
	media   map[id.ContentURIString][]byte
	nextEvt int
}

var _ matrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{media: make(map[id.ContentURIString][]byte)}
}

func (f *fakeMatrix) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return "", err
	}
	f.nextEvt++
	f.sent = append(f.sent, sentMatrix{Room: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$sent%d", f.nextEvt)), nil
}

func (f *fakeMatrix) UploadMedia(_ context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, Media{Data: data, FileName: fileName, MimeType: mimeType})
	uri := id.ContentURIString(fmt.Sprintf("mxc://example.com/upload%d", len(f.uploads)))
	f.media[uri] = data
	return uri, nil
}

func (f *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.media[uri]
	if !ok {
		return nil, fmt.Errorf("M_NOT_FOUND: %s", uri)
	}
	return data, nil
}

func (f *fakeMatrix) Sent() []sentMatrix {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMatrix, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeMatrix) Uploads() []Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Media, len(f.uploads))
	copy(cp, f.uploads)
	return cp
}

// sentTelegram is one message delivered to the fake bot API.
type sentTelegram struct {
	ChatID int64
	Msg    OutboundMessage
}

type fakeFile struct {
	Data []byte
	Path string
}

// fakeTelegram implements telegramAPI in memory.
type fakeTelegram struct {
	mu sync.Mutex

	sent      []sentTelegram
	sendErrs  []error
	sendCalls int
	files     map[string]fakeFile
	nextMsg   int
}

var _ telegramAPI = (*fakeTelegram)(nil)

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{files: make(map[string]fakeFile), nextMsg: 100}
}

func (f *fakeTelegram) Send(_ context.Context, chatID int64, msg *OutboundMessage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return 0, err
	}
	f.nextMsg++
	f.sent = append(f.sent, sentTelegram{ChatID: chatID, Msg: *msg})
	return f.nextMsg, nil
}

func (f *fakeTelegram) DownloadFile(_ context.Context, fileID string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return nil, "", errors.New("Bad Request: invalid file_id")
	}
	return file.Data, file.Path, nil
}

func (f *fakeTelegram) Sent() []sentTelegram {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentTelegram, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeTelegram) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// newTestConfig returns a valid, post-processed config with fast retries.
func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Matrix: MatrixConfig{
			Homeserver:  "https://matrix.example.com",
			UserID:      testRelayID,
			AccessToken: "syt_test",
		},
		Telegram: TelegramConfig{
			Token:      testToken,
			WebhookURL: "https://relay.example.com/hook/",
		},
		Bridges: []Bridge{{MatrixRoom: testRoom, TelegramChat: testChat}},
		Retry: RetryPolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			MaxElapsed:   time.Second,
		},
		Relay: RelayConfig{
			Timeout:             10 * time.Second,
			DisplaynameTemplate: "{{.FirstName}}{{if .LastName}} {{.LastName}}{{end}}",
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestConnector creates a Connector backed by in-memory fakes and a
// file store in a temporary directory.
func newTestConnector(t *testing.T) (*Connector, *fakeMatrix, *fakeTelegram) {
	t.Helper()
	cfg := newTestConfig(t)
	c, err := NewConnector(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	store, err := correspondence.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mx := newFakeMatrix()
	tg := newFakeTelegram()
	c.store = store
	c.matrix = mx
	c.telegram = tg
	c.telegramBotID = testBotID
	c.bgCtx, c.stop = context.WithCancel(context.Background())
	t.Cleanup(c.stop)
	return c, mx, tg
}

// botCall records one request to the fake Bot API.
type botCall struct {
	Method string
	Form   map[string]string
	Files  map[string][]byte
}

// botReply is a canned Bot API response.
type botReply struct {
	Status      int
	ContentType string
	Body        string
}

// fakeBotAPI is an httptest server speaking enough of the Bot API for the
// Telegram client: getMe, send methods, getFile and file downloads.
type fakeBotAPI struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []botCall
	// Replies overrides the response for a method. Each entry is used once.
	Replies map[string][]botReply
	// Files maps file paths to their content.
	Files   map[string][]byte
	nextMsg int
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{
		Replies: make(map[string][]botReply),
		Files:   make(map[string][]byte),
		nextMsg: 1000,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeBotAPI) config() TelegramConfig {
	return TelegramConfig{
		Token:        testToken,
		APIEndpoint:  f.Server.URL + "/bot%s/%s",
		FileEndpoint: f.Server.URL + "/file/bot%s/%s",
	}
}

func (f *fakeBotAPI) Calls(method string) []botCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []botCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/bot"+testToken+"/") {
		data, ok := f.Files[strings.TrimPrefix(r.URL.Path, "/file/bot"+testToken+"/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
		return
	}
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)

	call := botCall{Method: method, Form: make(map[string]string), Files: make(map[string][]byte)}
	_ = r.ParseMultipartForm(32 << 20)
	for k, v := range r.Form {
		call.Form[k] = v[0]
	}
	if r.MultipartForm != nil {
		for field, headers := range r.MultipartForm.File {
			file, err := headers[0].Open()
			if err == nil {
				call.Files[field], _ = io.ReadAll(file)
				_ = file.Close()
			}
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var reply *botReply
	if queued := f.Replies[method]; len(queued) > 0 {
		reply = &queued[0]
		f.Replies[method] = queued[1:]
	}
	f.nextMsg++
	msgID := f.nextMsg
	f.mu.Unlock()

	if reply != nil {
		contentType := reply.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(reply.Status)
		_, _ = io.WriteString(w, reply.Body)
		return
	}

	var result any
	switch method {
	case "getMe":
		result = map[string]any{"id": testBotID, "is_bot": true, "first_name": "Relay", "username": "relay_bot"}
	case "getFile":
		fileID := call.Form["file_id"]
		result = map[string]any{"file_id": fileID, "file_unique_id": fileID, "file_path": "documents/" + fileID}
	case "setWebhook":
		result = true
	case "sendMessage", "sendPhoto", "sendVideo", "sendDocument", "sendSticker":
		chatID := call.Form["chat_id"]
		result = json.RawMessage(fmt.Sprintf(`{"message_id":%d,"date":0,"chat":{"id":%s,"type":"group"}}`, msgID, chatID))
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}
