package api

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/notify"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var sessionSecret = []byte("session-secret-session-secret-32")

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeEngine struct {
	mu       gosync.Mutex
	started  []string
	removed  []string
	online   bool
	retryErr error
	provider sync.EmailProvider
}

func (e *fakeEngine) StartSync(_ context.Context, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, userID)
	return nil
}

func (e *fakeEngine) RetryAccount(context.Context, string) error { return e.retryErr }

func (e *fakeEngine) RemoveAccount(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, id)
}

func (e *fakeEngine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = online
}

func (e *fakeEngine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *fakeEngine) Status(string) (sync.SyncStatus, bool) { return sync.SyncStatus{}, false }

func (e *fakeEngine) AccessToken(context.Context, string) (string, sync.EmailProvider, error) {
	return "at-live", e.provider, nil
}

type fakeProvider struct {
	mu   gosync.Mutex
	sent []sync.OutgoingMessage
}

func (p *fakeProvider) Kind() sync.ProviderKind { return sync.ProviderGmail }

func (p *fakeProvider) AuthURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code string) (auth.Token, error) {
	if code != "good" {
		return auth.Token{}, sync.AuthError(sync.ProviderGmail, "exchange", fmt.Errorf("invalid_grant"))
	}
	return auth.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour)}, nil
}

func (p *fakeProvider) RefreshTokens(context.Context, string) (auth.Token, error) {
	return auth.Token{}, nil
}

func (p *fakeProvider) Profile(context.Context, string) (string, error) {
	return "ada@gmail.com", nil
}

func (p *fakeProvider) GetMessages(context.Context, string, sync.ListOptions) (sync.Page, error) {
	return sync.Page{}, nil
}

func (p *fakeProvider) GetMessage(context.Context, string, string) (sync.Message, error) {
	return sync.Message{}, sync.ErrMessageNotFound
}

func (p *fakeProvider) GetAttachment(_ context.Context, token, messageID, attachmentID string) ([]byte, error) {
	if token != "at-live" || messageID != "m1" || attachmentID != "att-1" {
		return nil, sync.ErrMessageNotFound
	}
	return []byte("%PDF-1.7"), nil
}

func (p *fakeProvider) SendMessage(_ context.Context, _ string, msg sync.OutgoingMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return "sent-1", nil
}

type providerMap map[sync.ProviderKind]sync.EmailProvider

func (m providerMap) Provider(kind sync.ProviderKind) (sync.EmailProvider, error) {
	p, ok := m[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sync.ErrUnknownProvider, kind)
	}
	return p, nil
}

type harness struct {
	server   *Server
	store    *sqlite.Store
	engine   *fakeEngine
	provider *fakeProvider
	hub      *notify.Hub
	state    *auth.StateSigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(sqlite.Options{
		Path:         filepath.Join(t.TempDir(), "mail.db"),
		PollInterval: -1,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	p := &fakeProvider{}
	h := &harness{
		store:    st,
		engine:   &fakeEngine{online: true, provider: p},
		provider: p,
		hub:      notify.NewHub(zerolog.Nop()),
		state:    auth.NewStateSigner([]byte("state-secret"), time.Minute),
	}
	h.server = New(Options{
		Engine:       h.engine,
		Providers:    providerMap{sync.ProviderGmail: p},
		Store:        st,
		Auth:         auth.NewHMACVerifier(sessionSecret),
		State:        h.state,
		Hub:          h.hub,
		Logger:       zerolog.Nop(),
		PingInterval: time.Hour,
	})
	return h
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(userID).Expiration(time.Now().Add(time.Hour)).Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, sessionSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (h *harness) connect(t *testing.T, userID, email string) sync.Account {
	t.Helper()
	account, _, err := h.store.ConnectAccount(context.Background(), sync.Account{
		ID:       "acc-" + userID,
		UserID:   userID,
		Provider: sync.ProviderGmail,
		Email:    email,
	}, auth.Token{AccessToken: "at", RefreshToken: "rt"})
	if err != nil {
		t.Fatalf("ConnectAccount: %v", err)
	}
	return account
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["online"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestRequiresSession(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "not-a-jwt"} {
		rec := h.do(t, http.MethodGet, "/accounts", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d", token, rec.Code)
		}
	}
}

func TestConnectFlow(t *testing.T) {
	h := newHarness(t)
	token := sessionToken(t, "user-1")

	rec := h.do(t, http.MethodGet, "/oauth/gmail/url", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("url: %d %s", rec.Code, rec.Body)
	}
	consent, err := url.Parse(decode[map[string]string](t, rec)["url"])
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	state := consent.Query().Get("state")
	if state == "" {
		t.Fatal("consent url has no state")
	}

	callback := "/oauth/gmail/callback?code=good&state=" + url.QueryEscape(state)
	rec = h.do(t, http.MethodGet, callback, "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body)
	}
	account := decode[sync.Account](t, rec)
	if account.UserID != "user-1" || account.Email != "ada@gmail.com" || account.Status != sync.AccountActive {
		t.Fatalf("account = %+v", account)
	}
	cred, err := h.store.GetCredential(context.Background(), account.ID)
	if err != nil || cred.AccessToken != "at-1" || cred.RefreshToken != "rt-1" {
		t.Fatalf("credential = %+v, %v", cred, err)
	}
	if len(h.engine.started) != 1 || h.engine.started[0] != "user-1" {
		t.Fatalf("started = %v", h.engine.started)
	}

	rec = h.do(t, http.MethodGet, callback, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconnect: %d %s", rec.Code, rec.Body)
	}
	if again := decode[sync.Account](t, rec); again.ID != account.ID {
		t.Fatalf("reconnect created %s, want %s", again.ID, account.ID)
	}
}

func TestConnectFlowErrors(t *testing.T) {
	h := newHarness(t)
	token := sessionToken(t, "user-1")
	state, err := h.state.Sign("user-1", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	outlookState, _ := h.state.Sign("user-1", "outlook")

	tests := []struct {
		name, path, token string
		status            int
		code              string
	}{
		{"unknown provider", "/oauth/yahoo/url", token, http.StatusNotFound, "unknown_provider"},
		{"unregistered provider", "/oauth/outlook/url", token, http.StatusNotFound, "unknown_provider"},
		{"missing code", "/oauth/gmail/callback?state=" + state, "", http.StatusBadRequest, "bad_request"},
		{"denied", "/oauth/gmail/callback?error=access_denied", "", http.StatusBadRequest, "bad_request"},
		{"forged state", "/oauth/gmail/callback?code=good&state=forged", "", http.StatusBadRequest, "invalid_state"},
		{"state of other provider", "/oauth/gmail/callback?code=good&state=" + outlookState, "", http.StatusBadRequest, "invalid_state"},
		{"rejected code", "/oauth/gmail/callback?code=bad&state=" + state, "", http.StatusConflict, "reauth_required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.path, tt.token, nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if got := decode[apiError](t, rec).Code; got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}
	accounts, _ := h.store.ListAccounts(context.Background(), "user-1")
	if len(accounts) != 0 {
		t.Fatalf("failed flows stored accounts: %+v", accounts)
	}
}

func TestAccountsAreScopedToOwner(t *testing.T) {
	h := newHarness(t)
	mine := h.connect(t, "user-1", "ada@gmail.com")
	theirs := h.connect(t, "user-2", "bob@gmail.com")
	token := sessionToken(t, "user-1")

	rec := h.do(t, http.MethodGet, "/accounts", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	views := decode[[]accountView](t, rec)
	if len(views) != 1 || views[0].ID != mine.ID || views[0].Sync.State != sync.StateIdle {
		t.Fatalf("accounts = %+v", views)
	}

	for _, path := range []string{
		"/accounts/" + theirs.ID + "/status",
		"/accounts/" + theirs.ID + "/messages",
		"/accounts/missing/status",
	} {
		if rec := h.do(t, http.MethodGet, path, token, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
	if rec := h.do(t, http.MethodDelete, "/accounts/"+theirs.ID, token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("delete foreign: %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/accounts/"+mine.ID+"/status", token, nil)
	if st := decode[sync.SyncStatus](t, rec); rec.Code != http.StatusOK || st.AccountID != mine.ID {
		t.Fatalf("status: %d %+v", rec.Code, st)
	}
}

func TestRetry(t *testing.T) {
	h := newHarness(t)
	account := h.connect(t, "user-1", "ada@gmail.com")
	token := sessionToken(t, "user-1")
	path := "/accounts/" + account.ID + "/sync"

	if rec := h.do(t, http.MethodPost, path, token, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("retry: %d", rec.Code)
	}

	h.engine.retryErr = fmt.Errorf("%w: %s", sync.ErrReauthRequired, account.ID)
	rec := h.do(t, http.MethodPost, path, token, nil)
	if rec.Code != http.StatusConflict || decode[apiError](t, rec).Code != "reauth_required" {
		t.Fatalf("disabled retry: %d %s", rec.Code, rec.Body)
	}

	h.engine.retryErr = sync.ErrAlreadySyncing
	if rec := h.do(t, http.MethodPost, path, token, nil); rec.Code != http.StatusConflict {
		t.Fatalf("busy retry: %d", rec.Code)
	}
}

func TestMessagesAndAttachments(t *testing.T) {
	h := newHarness(t)
	account := h.connect(t, "user-1", "ada@gmail.com")
	token := sessionToken(t, "user-1")
	base := "/accounts/" + account.ID

	_, err := h.store.UpsertMessages(context.Background(), account, []sync.Message{
		{ID: "m1", Subject: "invoice", Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
			Attachments: []sync.Attachment{{ID: "att-1", Name: "invoice.pdf", ContentType: "application/pdf", Size: 8}}},
		{ID: "m2", Subject: "hello", Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}

	rec := h.do(t, http.MethodGet, base+"/messages", token, nil)
	if msgs := decode[[]sync.Message](t, rec); len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	rec = h.do(t, http.MethodGet, base+"/messages?limit=1", token, nil)
	if msgs := decode[[]sync.Message](t, rec); len(msgs) != 1 {
		t.Fatalf("limited messages = %d", len(msgs))
	}
	if rec := h.do(t, http.MethodGet, base+"/messages?limit=zero", token, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, base+"/messages/m1/attachments/att-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attachment: %d %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename=invoice.pdf` {
		t.Fatalf("content disposition = %q", cd)
	}
	if rec.Body.String() != "%PDF-1.7" {
		t.Fatalf("body = %q", rec.Body)
	}

	for _, path := range []string{"/messages/m1/attachments/att-9", "/messages/m9/attachments/att-1"} {
		if rec := h.do(t, http.MethodGet, base+path, token, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: %d", path, rec.Code)
		}
	}
}

func TestSend(t *testing.T) {
	h := newHarness(t)
	account := h.connect(t, "user-1", "ada@gmail.com")
	token := sessionToken(t, "user-1")
	path := "/accounts/" + account.ID + "/send"

	rec := h.do(t, http.MethodPost, path, token, sync.OutgoingMessage{
		To:      []sync.Address{{Email: "bob@example.com"}},
		Subject: "hi",
		Body:    "hello",
	})
	if rec.Code != http.StatusAccepted || decode[map[string]string](t, rec)["id"] != "sent-1" {
		t.Fatalf("send: %d %s", rec.Code, rec.Body)
	}
	if len(h.provider.sent) != 1 || h.provider.sent[0].From.Email != "ada@gmail.com" {
		t.Fatalf("sent = %+v", h.provider.sent)
	}

	rec = h.do(t, http.MethodPost, path, token, sync.OutgoingMessage{Subject: "nobody"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no recipients: %d", rec.Code)
	}
}

func TestConnectivity(t *testing.T) {
	h := newHarness(t)
	token := sessionToken(t, "user-1")

	rec := h.do(t, http.MethodPut, "/connectivity", token, map[string]bool{"online": false})
	if rec.Code != http.StatusOK || decode[map[string]bool](t, rec)["online"] {
		t.Fatalf("offline: %d %s", rec.Code, rec.Body)
	}
	if h.engine.Online() {
		t.Fatal("engine still online")
	}
	if rec := h.do(t, http.MethodPut, "/connectivity", token, map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing flag: %d", rec.Code)
	}
}

func TestStartSync(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/sync/start", sessionToken(t, "user-7"), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("start: %d", rec.Code)
	}
	if len(h.engine.started) != 1 || h.engine.started[0] != "user-7" {
		t.Fatalf("started = %v", h.engine.started)
	}
}

func TestDeleteAccount(t *testing.T) {
	h := newHarness(t)
	account := h.connect(t, "user-1", "ada@gmail.com")
	token := sessionToken(t, "user-1")

	if rec := h.do(t, http.MethodDelete, "/accounts/"+account.ID, token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}
	if len(h.engine.removed) != 1 || h.engine.removed[0] != account.ID {
		t.Fatalf("removed = %v", h.engine.removed)
	}
	if rec := h.do(t, http.MethodGet, "/accounts/"+account.ID+"/status", token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete: %d", rec.Code)
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	defer h.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/events?access_token="+sessionToken(t, "user-1"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if line := readLine(t, r); line != "event: ready" {
		t.Fatalf("first line = %q", line)
	}
	readLine(t, r)
	readLine(t, r)

	h.hub.Publish("user-2", notify.TypeToast, "", notify.Toast{Title: "not yours"})
	h.hub.Publish("user-1", notify.TypeToast, "acc-1", notify.Toast{Title: "New message"})

	if line := readLine(t, r); line != "event: toast" {
		t.Fatalf("event line = %q", line)
	}
	data := strings.TrimPrefix(readLine(t, r), "data: ")
	var ev notify.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	var toast notify.Toast
	json.Unmarshal(ev.Data, &toast)
	if ev.AccountID != "acc-1" || toast.Title != "New message" {
		t.Fatalf("event = %+v toast = %+v", ev, toast)
	}
}

func TestWebSocket(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken(t, "user-1"))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() notify.Event {
		t.Helper()
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev notify.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("decode %q: %v", payload, err)
		}
		return ev
	}

	if ev := read(); ev.Type != notify.TypeReady {
		t.Fatalf("first event = %+v", ev)
	}
	h.hub.Publish("user-1", notify.TypeNewMail, "acc-1", notify.NewMail{Email: "ada@gmail.com", Count: 2})
	ev := read()
	var nm notify.NewMail
	json.Unmarshal(ev.Data, &nm)
	if ev.Type != notify.TypeNewMail || nm.Count != 2 {
		t.Fatalf("event = %+v", ev)
	}

	h.hub.Close()
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("after hub close: %v", err)
	}
}

func TestWebSocketRequiresSession(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("dial succeeded without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}
}
