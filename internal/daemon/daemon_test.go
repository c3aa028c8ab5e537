package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/pkg/channel"
	"github.com/nous-labs/relay/pkg/history"
)

// --- Fakes ---

type fakeInteraction struct {
	deferred  int
	responses []channel.Response
	failAfter int // fail every Respond once this many have succeeded; 0 = never
}

func (f *fakeInteraction) Defer(ctx context.Context) error {
	f.deferred++
	return nil
}

func (f *fakeInteraction) Respond(ctx context.Context, resp channel.Response) error {
	if f.failAfter > 0 && len(f.responses) >= f.failAfter {
		return &channel.DeliveryError{Channel: "fake", Err: errors.New("rate limited")}
	}
	f.responses = append(f.responses, resp)
	return nil
}

type fakeProvider struct {
	reply    string
	err      error
	requests []llm.CompletionRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply, Model: "fake-model"}, nil
}

type fakeChannel struct {
	startErr error
	started  chan struct{}
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Start(ctx context.Context, handler channel.CommandHandler) error {
	if f.started != nil {
		close(f.started)
	}
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Stop() error { return nil }

// --- Helpers ---

func testOpener(t *testing.T) history.Opener {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	if err := history.Migrate(context.Background(), history.DriverSQLite, path); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	open, err := history.NewOpener(history.DriverSQLite, path)
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	return open
}

func testDaemon(t *testing.T, opener history.Opener, provider llm.Provider) *Daemon {
	t.Helper()
	cfg := &Config{Platform: PlatformDiscord, HTTPAddr: ""}
	d, err := newDaemon(cfg, opener, provider, &fakeChannel{})
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	return d
}

func ask(t *testing.T, d *Daemon, user, chanID, text string) *fakeInteraction {
	t.Helper()
	ix := &fakeInteraction{}
	err := d.onCommand(context.Background(), channel.Command{
		Source: "test", Name: channel.CommandAsk, Text: text,
		UserID: user, ChannelID: chanID, Interaction: ix,
	})
	if err != nil {
		t.Fatalf("ask %q: %v", text, err)
	}
	return ix
}

func storedTurns(t *testing.T, opener history.Opener, user, chanID string) []history.Turn {
	t.Helper()
	l, err := opener(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	turns, err := l.Recent(context.Background(), user, chanID, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	return turns
}

// --- Prompt assembly ---

func TestAssemble(t *testing.T) {
	turns := []history.Turn{
		{Role: history.RoleUser, Content: "a"},
		{Role: history.RoleAssistant, Content: "b"},
		{Role: history.RoleUser, Content: "c"},
	}
	msgs := Assemble("directive", turns, "new")
	if len(msgs) != len(turns)+2 {
		t.Fatalf("len = %d, want %d", len(msgs), len(turns)+2)
	}
	if msgs[0].Role != "system" || msgs[0].Content != "directive" {
		t.Errorf("first = %+v, want system directive", msgs[0])
	}
	for i, turn := range turns {
		if msgs[i+1].Role != string(turn.Role) || msgs[i+1].Content != turn.Content {
			t.Errorf("msgs[%d] = %+v, want %s/%s", i+1, msgs[i+1], turn.Role, turn.Content)
		}
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "new" {
		t.Errorf("last = %+v, want user/new", last)
	}

	if got := Assemble("d", nil, "x"); len(got) != 2 {
		t.Errorf("no history: len = %d, want 2", len(got))
	}
}

// --- Chunking and delivery ---

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		max    int
		chunks int
	}{
		{"empty", "", 1900, 0},
		{"exact", strings.Repeat("a", 1900), 1900, 1},
		{"one over", strings.Repeat("a", 1901), 1900, 2},
		{"many", strings.Repeat("a", 5000), 1900, 3},
		{"multibyte", strings.Repeat("ñ🎮", 1000), 1900, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := SplitMessage(tt.text, tt.max)
			if len(chunks) != tt.chunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.chunks)
			}
			if strings.Join(chunks, "") != tt.text {
				t.Fatal("chunks do not reassemble the input")
			}
			for i, c := range chunks {
				if !utf8.ValidString(c) {
					t.Errorf("chunk %d is not valid UTF-8", i)
				}
				if n := utf8.RuneCountInString(c); n > tt.max {
					t.Errorf("chunk %d has %d characters, max %d", i, n, tt.max)
				}
				if i < len(chunks)-1 && utf8.RuneCountInString(c) != tt.max {
					t.Errorf("non-final chunk %d is short", i)
				}
			}
		})
	}
}

func TestDeliverShortText(t *testing.T) {
	ix := &fakeInteraction{}
	sent, err := Deliver(context.Background(), ix, "hi there", 1900)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 || len(ix.responses) != 1 || ix.responses[0].Content != "hi there" || ix.responses[0].Private {
		t.Fatalf("responses = %+v, sent = %d", ix.responses, sent)
	}
}

func TestDeliverLongText(t *testing.T) {
	text := strings.Repeat("x", 4000)
	ix := &fakeInteraction{}
	sent, err := Deliver(context.Background(), ix, text, 1900)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 4 || len(ix.responses) != 4 {
		t.Fatalf("sent = %d, responses = %d, want notice + 3 chunks", sent, len(ix.responses))
	}
	if ix.responses[0].Content != longResponseNotice {
		t.Errorf("first message = %q, want notice", ix.responses[0].Content)
	}
	var joined string
	for _, r := range ix.responses[1:] {
		joined += r.Content
	}
	if joined != text {
		t.Error("chunks do not reassemble the response")
	}
}

func TestDeliverStopsOnFailure(t *testing.T) {
	ix := &fakeInteraction{failAfter: 2}
	sent, err := Deliver(context.Background(), ix, strings.Repeat("x", 4000), 1900)
	var de *channel.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
}

// --- Ask flow ---

func TestAskEndToEnd(t *testing.T) {
	opener := testOpener(t)
	provider := &fakeProvider{reply: "hi there"}
	d := testDaemon(t, opener, provider)

	ix := ask(t, d, "u1", "c1", "hello")

	if ix.deferred != 1 {
		t.Errorf("deferred = %d, want 1", ix.deferred)
	}
	if len(ix.responses) != 1 || ix.responses[0].Content != "hi there" || ix.responses[0].Private {
		t.Fatalf("responses = %+v, want one public %q", ix.responses, "hi there")
	}

	if len(provider.requests) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(provider.requests))
	}
	req := provider.requests[0]
	// Window holds the just-written turn, so the new text appears twice.
	wantRoles := []string{"system", "user", "user"}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i, role := range wantRoles {
		if req.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %s, want %s", i, req.Messages[i].Role, role)
		}
	}
	if req.Messages[0].Content != DefaultDirective {
		t.Error("first message is not the directive")
	}
	if req.Timeout != 60*time.Second || req.Temperature != 0.7 || req.MaxTokens != 1000 {
		t.Errorf("request params = timeout %v temp %v max %d", req.Timeout, req.Temperature, req.MaxTokens)
	}

	turns := storedTurns(t, opener, "u1", "c1")
	if len(turns) != 2 || turns[0].Role != history.RoleUser || turns[0].Content != "hello" ||
		turns[1].Role != history.RoleAssistant || turns[1].Content != "hi there" {
		t.Fatalf("stored turns = %+v", turns)
	}

	if got := testutil.ToFloat64(d.metrics.commandsTotal.WithLabelValues("ask", "ok")); got != 1 {
		t.Errorf("relay_commands_total{ask,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(d.metrics.messagesDelivered); got != 1 {
		t.Errorf("relay_messages_delivered_total = %v, want 1", got)
	}
}

func TestAskWindowIsBounded(t *testing.T) {
	opener := testOpener(t)
	provider := &fakeProvider{reply: "ok"}
	d := testDaemon(t, opener, provider)

	for i := 0; i < 4; i++ {
		ask(t, d, "u1", "c1", fmt.Sprintf("q%d", i))
	}
	ask(t, d, "u1", "other", "elsewhere")
	ask(t, d, "u1", "c1", "latest")

	req := provider.requests[len(provider.requests)-1]
	if len(req.Messages) != 5+2 {
		t.Fatalf("messages = %d, want 7", len(req.Messages))
	}
	// Oldest first within the window, ending with the new turn.
	window := req.Messages[1:6]
	want := []string{"q2", "ok", "q3", "ok", "latest"}
	for i, w := range want {
		if window[i].Content != w {
			t.Errorf("window[%d] = %q, want %q", i, window[i].Content, w)
		}
	}
}

func TestAskTimeoutSendsOneNotice(t *testing.T) {
	opener := testOpener(t)
	provider := &fakeProvider{err: &llm.CompletionError{Kind: llm.FailureTimeout, Provider: "fake", Message: "request timed out"}}
	d := testDaemon(t, opener, provider)

	ix := ask(t, d, "u1", "c1", "slow question")

	if len(ix.responses) != 1 {
		t.Fatalf("responses = %+v, want exactly one notice", ix.responses)
	}
	if ix.responses[0].Content != timeoutNotice || !ix.responses[0].Private {
		t.Errorf("notice = %+v, want private timeout notice", ix.responses[0])
	}

	turns := storedTurns(t, opener, "u1", "c1")
	if len(turns) != 1 || turns[0].Role != history.RoleUser {
		t.Fatalf("stored turns = %+v, want only the user turn", turns)
	}
	if got := testutil.ToFloat64(d.metrics.completionFailures.WithLabelValues("timeout")); got != 1 {
		t.Errorf("relay_completion_failures_total{timeout} = %v, want 1", got)
	}
}

func TestAskProtocolErrorNotice(t *testing.T) {
	opener := testOpener(t)
	provider := &fakeProvider{err: &llm.CompletionError{Kind: llm.FailureProtocol, Provider: "openai", StatusCode: 500, Message: "HTTP 500: boom"}}
	d := testDaemon(t, opener, provider)

	ix := ask(t, d, "u1", "c1", "question")

	if len(ix.responses) != 1 {
		t.Fatalf("responses = %+v", ix.responses)
	}
	if got := ix.responses[0].Content; got != "❌ Error: openai: HTTP 500: boom" || !ix.responses[0].Private {
		t.Errorf("notice = %q", got)
	}
}

func TestAskStorageFailure(t *testing.T) {
	opener := func(ctx context.Context) (history.Log, error) {
		return nil, &history.StorageError{Op: "open", Err: errors.New("disk full")}
	}
	provider := &fakeProvider{reply: "unused"}
	d := testDaemon(t, opener, provider)

	ix := ask(t, d, "u1", "c1", "question")

	if len(provider.requests) != 0 {
		t.Error("provider called despite storage failure")
	}
	if len(ix.responses) != 1 || !strings.HasPrefix(ix.responses[0].Content, errorNoticePrefix) {
		t.Fatalf("responses = %+v, want one error notice", ix.responses)
	}
	if !strings.Contains(ix.responses[0].Content, "disk full") {
		t.Errorf("notice %q does not carry the cause", ix.responses[0].Content)
	}
}

func TestAskLongResponseIsChunked(t *testing.T) {
	opener := testOpener(t)
	reply := strings.Repeat("é", 2500)
	d := testDaemon(t, opener, &fakeProvider{reply: reply})

	ix := ask(t, d, "u1", "c1", "tell me everything")

	if len(ix.responses) != 3 {
		t.Fatalf("responses = %d, want notice + 2 chunks", len(ix.responses))
	}
	if ix.responses[0].Content != longResponseNotice {
		t.Errorf("first = %q", ix.responses[0].Content)
	}
	if utf8.RuneCountInString(ix.responses[1].Content) != 1900 || utf8.RuneCountInString(ix.responses[2].Content) != 600 {
		t.Errorf("chunk sizes = %d, %d", utf8.RuneCountInString(ix.responses[1].Content), utf8.RuneCountInString(ix.responses[2].Content))
	}
}

func TestAskDeliveryFailureReportsOnce(t *testing.T) {
	opener := testOpener(t)
	d := testDaemon(t, opener, &fakeProvider{reply: strings.Repeat("x", 4000)})

	ix := &fakeInteraction{failAfter: 2}
	d.onCommand(context.Background(), channel.Command{Name: channel.CommandAsk, Text: "q", UserID: "u1", ChannelID: "c1", Interaction: ix})

	// Notice and first chunk went out; the notice attempt after the
	// failing chunk is refused too, so nothing else lands.
	if len(ix.responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(ix.responses))
	}
	if got := testutil.ToFloat64(d.metrics.commandsTotal.WithLabelValues("ask", "error")); got != 1 {
		t.Errorf("relay_commands_total{ask,error} = %v, want 1", got)
	}
}

// --- History flow ---

func TestHistoryShowsLatestTurns(t *testing.T) {
	opener := testOpener(t)
	d := testDaemon(t, opener, &fakeProvider{reply: "hi there"})
	ask(t, d, "u1", "c1", "hello")

	ix := &fakeInteraction{}
	if err := d.onCommand(context.Background(), channel.Command{Name: channel.CommandHistory, UserID: "u1", ChannelID: "c9", Interaction: ix}); err != nil {
		t.Fatal(err)
	}
	if ix.deferred != 0 {
		t.Errorf("history deferred %d times, want 0", ix.deferred)
	}
	want := "**Recent interactions:**\nassistant: hi there...\nuser: hello..."
	if len(ix.responses) != 1 || ix.responses[0].Content != want || !ix.responses[0].Private {
		t.Fatalf("responses = %+v, want private %q", ix.responses, want)
	}
}

func TestHistoryEmpty(t *testing.T) {
	d := testDaemon(t, testOpener(t), &fakeProvider{})

	ix := &fakeInteraction{}
	if err := d.onCommand(context.Background(), channel.Command{Name: channel.CommandHistory, UserID: "nobody", Interaction: ix}); err != nil {
		t.Fatal(err)
	}
	if len(ix.responses) != 1 || ix.responses[0].Content != emptyHistoryNotice || !ix.responses[0].Private {
		t.Fatalf("responses = %+v", ix.responses)
	}
}

func TestHistoryStorageFailure(t *testing.T) {
	opener := func(ctx context.Context) (history.Log, error) {
		return nil, &history.StorageError{Op: "open", Err: errors.New("locked")}
	}
	d := testDaemon(t, opener, &fakeProvider{})

	ix := &fakeInteraction{}
	d.onCommand(context.Background(), channel.Command{Name: channel.CommandHistory, UserID: "u1", Interaction: ix})
	if len(ix.responses) != 1 || ix.responses[0].Content != "❌ Error: history open: locked" {
		t.Fatalf("responses = %+v", ix.responses)
	}
}

func TestFormatHistoryTruncatesToFiftyCharacters(t *testing.T) {
	long := strings.Repeat("á", 80)
	got := FormatHistory([]history.Turn{{Role: history.RoleUser, Content: long}, {Role: history.RoleAssistant, Content: "short"}})
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[1] != "user: "+strings.Repeat("á", 50)+"..." {
		t.Errorf("line = %q", lines[1])
	}
	if lines[2] != "assistant: short..." {
		t.Errorf("line = %q", lines[2])
	}
}

func TestUnknownCommand(t *testing.T) {
	d := testDaemon(t, testOpener(t), &fakeProvider{})
	err := d.onCommand(context.Background(), channel.Command{Name: "pregunta", Interaction: &fakeInteraction{}})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

// --- Ops API and lifecycle ---

func TestHandlerEndpoints(t *testing.T) {
	opener := testOpener(t)
	d := testDaemon(t, opener, &fakeProvider{reply: "hi there"})
	ask(t, d, "u1", "c1", "hello")

	server := httptest.NewServer(d.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/health before start = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/v1/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("/v1/history without user = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/v1/history?user=u1&channel=c1&limit=10")
	if err != nil {
		t.Fatal(err)
	}
	var body historyResponse
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body.Count != 2 || body.Turns[0].Content != "hello" || body.Turns[1].Role != "assistant" {
		t.Errorf("/v1/history = %+v", body)
	}

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metricsText, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"relay_commands_total", "relay_completion_duration_seconds", "relay_messages_delivered_total"} {
		if !strings.Contains(string(metricsText), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestRunReturnsAuthenticationFailure(t *testing.T) {
	cfg := &Config{Platform: PlatformDiscord}
	ch := &fakeChannel{startErr: fmt.Errorf("discord gateway: %w", channel.ErrAuthentication)}
	d, err := newDaemon(cfg, testOpener(t), &fakeProvider{}, ch)
	if err != nil {
		t.Fatal(err)
	}

	err = d.Run(context.Background())
	if !errors.Is(err, channel.ErrAuthentication) {
		t.Fatalf("Run = %v, want ErrAuthentication", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := &Config{Platform: PlatformDiscord}
	ch := &fakeChannel{started: make(chan struct{})}
	d, err := newDaemon(cfg, testOpener(t), &fakeProvider{}, ch)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-ch.started
	if !d.healthy.Load() {
		t.Error("daemon not healthy after channel start")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
