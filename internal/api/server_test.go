package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/atrium/internal/agent"
	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/chat"
	"github.com/nugget/atrium/internal/config"
	"github.com/nugget/atrium/internal/conversation"
	"github.com/nugget/atrium/internal/database"
	"github.com/nugget/atrium/internal/estate"
	"github.com/nugget/atrium/internal/llm"
	"github.com/nugget/atrium/internal/tools"
	"github.com/nugget/atrium/internal/usage"
)

const testModel = "claude-sonnet-4-20250514"

// scriptLLM replays one response per call, streaming each response's
// content as two tokens. Calls past the script answer "ok".
type scriptLLM struct {
	mu    sync.Mutex
	turns []*llm.ChatResponse
	calls int
}

func (m *scriptLLM) ChatStream(ctx context.Context, _ string, _ []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()

	resp := &llm.ChatResponse{Model: testModel, Message: llm.Message{Role: llm.RoleAssistant, Content: "ok"}, InputTokens: 10, OutputTokens: 1}
	if i < len(m.turns) {
		resp = m.turns[i]
	}
	if c := resp.Message.Content; c != "" && cb != nil {
		half := len(c) / 2
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: c[:half]})
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: c[half:]})
	}
	return resp, ctx.Err()
}

func (m *scriptLLM) Ping(context.Context) error { return nil }

type testEnv struct {
	srv      *httptest.Server
	verifier *auth.Verifier
	convs    *conversation.Store
	usage    *usage.Store
	shared   *chat.SharedState
}

var (
	alice = auth.Principal{OrgID: "org-a", UserID: "alice", Role: auth.RoleMember}
	bob   = auth.Principal{OrgID: "org-a", UserID: "bob", Role: auth.RoleMember}
	admin = auth.Principal{OrgID: "org-a", UserID: "carol", Role: auth.RoleAdmin}
)

func newTestEnv(t *testing.T, script *scriptLLM, rateLimit int) *testEnv {
	t.Helper()
	db, err := database.Open(database.DriverPure, filepath.Join(t.TempDir(), "atrium.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{verifier: auth.NewVerifier("test-secret", "atrium")}
	records, err := estate.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	if env.convs, err = conversation.NewStore(db, 0); err != nil {
		t.Fatal(err)
	}
	if env.usage, err = usage.NewStore(db, 0); err != nil {
		t.Fatal(err)
	}
	env.shared = chat.NewSharedState(rateLimit, time.Minute, records, 5*time.Minute)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tools.NewRegistry(logger)
	reg.RegisterEstateTools(records, env.shared.Schemas)
	loop := agent.NewLoop(logger, script, reg, agent.Config{Model: testModel})

	svc := chat.NewService(chat.Deps{
		Logger:        logger,
		Shared:        env.shared,
		Loop:          loop,
		Conversations: env.convs,
		Usage:         env.usage,
		Pricing:       config.Default().Pricing,
	})
	s := NewServer("127.0.0.1", 0, Deps{
		Logger:        logger,
		Chat:          svc,
		Conversations: env.convs,
		Usage:         env.usage,
		Verifier:      env.verifier,
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := e.verifier.Issue(p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, p *auth.Principal, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-Id", "req-"+strings.ReplaceAll(t.Name(), "/", "-"))
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *p))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// readSSE returns the decoded events and whether the stream ended with
// the [DONE] marker.
func readSSE(t *testing.T, r io.Reader) ([]streamEvent, bool) {
	t.Helper()
	var events []streamEvent
	done := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if line == "[DONE]" {
			done = true
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events, done
}

func eventTypes(events []streamEvent) string {
	var types []string
	for _, ev := range events {
		if len(types) > 0 && types[len(types)-1] == string(ev.Type) {
			continue
		}
		types = append(types, string(ev.Type))
	}
	return strings.Join(types, ",")
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, &scriptLLM{}, 20)

	resp := env.do(t, nil, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["status"] != "healthy" {
		t.Errorf("health = %v", body)
	}

	resp = env.do(t, nil, http.MethodGet, "/v1/version", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("version status = %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, &scriptLLM{}, 20)

	for _, path := range []string{"/v1/chat", "/v1/conversations", "/v1/usage/summary"} {
		method := http.MethodGet
		if path == "/v1/chat" {
			method = http.MethodPost
		}
		resp := env.do(t, nil, method, path, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, resp.StatusCode)
			continue
		}
		body := decode[errorBody](t, resp)
		if body.Error.Code != "UNAUTHORIZED" || body.Error.RequestID != "req-TestProtectedRoutesRequireToken" {
			t.Errorf("%s body = %+v", path, body)
		}
	}
}

func TestChat_StreamsToolRoundTrip(t *testing.T) {
	script := &scriptLLM{turns: []*llm.ChatResponse{
		{Model: testModel, InputTokens: 900, OutputTokens: 20, Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: "Checking.",
			ToolCalls: []llm.ToolCall{{ID: "toolu_1", Function: llm.ToolFunction{
				Name: "list_spaces", Arguments: map[string]any{"status": "vacant"},
			}}},
		}},
		{Model: testModel, InputTokens: 1000, OutputTokens: 30, Message: llm.Message{
			Role: llm.RoleAssistant, Content: "No vacant spaces right now.",
		}},
	}}
	env := newTestEnv(t, script, 20)

	resp := env.do(t, &alice, http.MethodPost, "/v1/chat",
		`{"messages":[{"role":"user","content":"Which spaces are vacant?"}],"context":{"page":"spaces"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	convID := resp.Header.Get("X-Conversation-Id")
	if convID == "" {
		t.Fatal("missing X-Conversation-Id")
	}

	events, done := readSSE(t, resp.Body)
	if !done {
		t.Error("stream did not end with [DONE]")
	}
	want := "start,text-delta,tool-call-started,tool-call-finished,text-delta,finish"
	if got := eventTypes(events); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
	if events[0].ConversationID != convID {
		t.Errorf("start conversationId = %q, want %q", events[0].ConversationID, convID)
	}
	finish := events[len(events)-1]
	if finish.ConversationID != convID || finish.FinishReason != agent.FinishStop {
		t.Errorf("finish = %+v", finish)
	}
	if finish.Usage == nil || finish.Usage.InputTokens != 1900 || finish.Usage.OutputTokens != 50 {
		t.Errorf("finish usage = %+v", finish.Usage)
	}
	if len(finish.ToolNames) != 1 || finish.ToolNames[0] != "list_spaces" {
		t.Errorf("finish toolNames = %v", finish.ToolNames)
	}

	// The stream ends after persistence, so the transcript is readable now.
	got := decode[conversation.Conversation](t, env.do(t, &alice, http.MethodGet, "/v1/conversations/"+convID, ""))
	if len(got.Messages) != 2 || got.Title != "Which spaces are vacant?" {
		t.Fatalf("stored conversation = %+v", got)
	}
	if names := got.Messages[1].ToolNames(); len(names) != 1 {
		t.Errorf("assistant tool parts = %v", names)
	}
	entries, err := env.usage.Recent(context.Background(), "org-a", 5)
	if err != nil || len(entries) != 1 || entries[0].RequestID != "req-TestChat_StreamsToolRoundTrip" {
		t.Errorf("usage = %+v, %v", entries, err)
	}
}

func TestChat_RateLimited(t *testing.T) {
	env := newTestEnv(t, &scriptLLM{}, 2)
	body := `{"messages":[{"role":"user","content":"hello"}]}`

	for i := 0; i < 2; i++ {
		resp := env.do(t, &alice, http.MethodPost, "/v1/chat", body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
		io.Copy(io.Discard, resp.Body)
	}

	resp := env.do(t, &alice, http.MethodPost, "/v1/chat", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 1 || secs > 60 {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if e := decode[errorBody](t, resp); e.Error.Code != "RATE_LIMIT_EXCEEDED" || e.Error.RequestID == "" {
		t.Errorf("body = %+v", e)
	}

	if resp := env.do(t, &bob, http.MethodPost, "/v1/chat", body); resp.StatusCode != http.StatusOK {
		t.Errorf("other user status = %d, want 200", resp.StatusCode)
	}
}

func TestChat_Rejections(t *testing.T) {
	env := newTestEnv(t, &scriptLLM{}, 20)
	owned, _, err := env.convs.Create(context.Background(), bob, conversation.Draft{FirstMessage: "mine"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		body      string
		status    int
		code      string
		wantField string
	}{
		{"not json", `{"messages":`, http.StatusBadRequest, "VALIDATION_ERROR", ""},
		{"no messages", `{"messages":[]}`, http.StatusBadRequest, "VALIDATION_ERROR", "messages"},
		{"foreign conversation", `{"conversationId":"` + owned.ID + `","messages":[{"role":"user","content":"hi"}]}`,
			http.StatusNotFound, "NOT_FOUND", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, &alice, http.MethodPost, "/v1/chat", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			e := decode[errorBody](t, resp)
			if string(e.Error.Code) != tt.code {
				t.Errorf("code = %s, want %s", e.Error.Code, tt.code)
			}
			if tt.wantField != "" && e.Error.Fields[tt.wantField] == "" {
				t.Errorf("fields = %v, want %s", e.Error.Fields, tt.wantField)
			}
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, &scriptLLM{}, 20)
	id := conversation.NewID()
	create := fmt.Sprintf(`{"id":%q,"firstMessage":"Show leases expiring this quarter","source":"widget"}`, id)

	resp := env.do(t, &alice, http.MethodPost, "/v1/conversations", create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if resp := env.do(t, &alice, http.MethodPost, "/v1/conversations", create); resp.StatusCode != http.StatusOK {
		t.Errorf("repeat create status = %d, want 200", resp.StatusCode)
	}
	if resp := env.do(t, &bob, http.MethodPost, "/v1/conversations", create); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign create status = %d, want 404", resp.StatusCode)
	}
	if resp := env.do(t, &bob, http.MethodGet, "/v1/conversations/"+id, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, &alice, http.MethodPatch, "/v1/conversations/"+id, `{"title":"Q3 expirations"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", resp.StatusCode)
	}
	if c := decode[conversation.Conversation](t, resp); c.Title != "Q3 expirations" || c.Source != conversation.SourceWidget {
		t.Errorf("renamed = %+v", c)
	}
	if resp := env.do(t, &alice, http.MethodPatch, "/v1/conversations/"+id, `{"title":"  "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank rename status = %d, want 400", resp.StatusCode)
	}

	type listing struct {
		Conversations []conversation.Conversation `json:"conversations"`
		Count         int                         `json:"count"`
	}
	if l := decode[listing](t, env.do(t, &alice, http.MethodGet, "/v1/conversations", "")); l.Count != 1 {
		t.Errorf("list = %+v", l)
	}

	if resp := env.do(t, &alice, http.MethodPost, "/v1/conversations/"+id+"/archive", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("archive status = %d", resp.StatusCode)
	}
	if l := decode[listing](t, env.do(t, &alice, http.MethodGet, "/v1/conversations", "")); l.Count != 0 {
		t.Errorf("archived conversation still listed: %+v", l)
	}
	l := decode[listing](t, env.do(t, &alice, http.MethodGet, "/v1/conversations?archived=true", ""))
	if l.Count != 1 || !l.Conversations[0].Archived {
		t.Errorf("archived listing = %+v", l)
	}
	if resp := env.do(t, &bob, http.MethodPost, "/v1/conversations/"+id+"/archive", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign archive status = %d, want 404", resp.StatusCode)
	}
}

func TestUsageSummary(t *testing.T) {
	env := newTestEnv(t, &scriptLLM{}, 20)
	ctx := context.Background()
	for _, e := range []usage.Entry{
		{OrgID: "org-a", UserID: "alice", Model: testModel, InputTokens: 1000, OutputTokens: 100, CostUSD: 0.5},
		{OrgID: "org-a", UserID: "bob", Model: "qwen3:8b", InputTokens: 500, OutputTokens: 50},
		{OrgID: "org-b", UserID: "zed", Model: testModel, InputTokens: 9999, OutputTokens: 999},
	} {
		if err := env.usage.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	if resp := env.do(t, &alice, http.MethodGet, "/v1/usage/summary", ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("member status = %d, want 403", resp.StatusCode)
	}

	resp := env.do(t, &admin, http.MethodGet, "/v1/usage/summary?period=today&group_by=model", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d", resp.StatusCode)
	}
	got := decode[usageSummaryResponse](t, resp)
	if got.Summary.TotalRecords != 2 || got.Summary.TotalInputTokens != 1500 {
		t.Errorf("summary = %+v", got.Summary)
	}
	if len(got.Groups) != 2 || got.Groups[testModel].TotalOutputTokens != 100 {
		t.Errorf("groups = %+v", got.Groups)
	}

	tests := []struct {
		query string
		field string
	}{
		{"?period=decade", "period"},
		{"?group_by=building", "group_by"},
		{"?from=yesterday", "from"},
		{"?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", "to"},
	}
	for _, tt := range tests {
		resp := env.do(t, &admin, http.MethodGet, "/v1/usage/summary"+tt.query, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", tt.query, resp.StatusCode)
			continue
		}
		if e := decode[errorBody](t, resp); e.Error.Fields[tt.field] == "" {
			t.Errorf("%s fields = %v, want %s", tt.query, e.Error.Fields, tt.field)
		}
	}
}

func wsURL(env *testEnv) string {
	return "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/chat/ws"
}

func TestChatWebSocket(t *testing.T) {
	script := &scriptLLM{turns: []*llm.ChatResponse{
		{Model: testModel, InputTokens: 100, OutputTokens: 10, Message: llm.Message{Role: llm.RoleAssistant, Content: "Three leases."}},
	}}
	env := newTestEnv(t, script, 20)

	header := http.Header{"Authorization": {"Bearer " + env.token(t, alice)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env), header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(chat.Request{Messages: []chat.InboundMessage{{Role: "user", Content: "How many leases?"}}}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var events []streamEvent
	for {
		var ev streamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		events = append(events, ev)
	}
	if got := eventTypes(events); got != "start,text-delta,finish" {
		t.Fatalf("events = %s", got)
	}
	if events[0].ConversationID == "" || events[0].ConversationID != events[len(events)-1].ConversationID {
		t.Errorf("conversation ids = %q / %q", events[0].ConversationID, events[len(events)-1].ConversationID)
	}
}

func TestChatWebSocket_QueryTokenAndRejection(t *testing.T) {
	env := newTestEnv(t, &scriptLLM{}, 20)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial = %v, %v", resp, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env)+"?access_token="+env.token(t, alice), nil)
	if err != nil {
		t.Fatalf("Dial with query token: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(chat.Request{}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev streamEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != agent.EventError || ev.Code != "VALIDATION_ERROR" || ev.Fields["messages"] == "" {
		t.Errorf("rejection frame = %+v", ev)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1100 * time.Millisecond, 2},
		{59*time.Second + time.Millisecond, 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
