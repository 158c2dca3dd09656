package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/classify"
)

func jsonDecodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// completionServer serves a fixed OpenAI-compatible completion response
// and counts requests
func completionServer(t *testing.T, content string) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "` + content + `"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func compatSettings(baseURL string, extra string) string {
	base := `"provider": "openaiCompatible", "openaiCompatibleApiKey": "k", "openaiCompatibleBaseUrl": "` + baseURL + `"`
	if extra != "" {
		base += ", " + extra
	}
	return "{" + base + "}"
}

func textEnvelope(chatID, senderID, text string) *classify.Envelope {
	return &classify.Envelope{
		ChatID:   chatID,
		SenderID: senderID,
		Text:     &classify.Content{Text: text},
	}
}

func TestPipelineRepliesToDM(t *testing.T) {
	srv, calls := completionServer(t, "hi there")
	sess, ft, store := newTestSession(t, compatSettings(srv.URL, ""))

	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "hello"))

	sent := ft.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(sent))
	}
	if sent[0].ChatID != "27821111111@s.whatsapp.net" || sent[0].Text != "hi there" {
		t.Errorf("sent = %+v", sent[0])
	}
	if *calls != 1 {
		t.Errorf("completion calls = %d, want 1", *calls)
	}
	_ = store
}

func TestPipelineIgnoresOwnMessages(t *testing.T) {
	srv, calls := completionServer(t, "echo")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL, ""))

	env := textEnvelope("27821111111@s.whatsapp.net", "27820000000@s.whatsapp.net", "hello")
	env.FromSelf = true
	sess.handleInbound(context.Background(), env)

	if len(ft.sentMessages()) != 0 || *calls != 0 {
		t.Error("own messages must never produce a reply")
	}
}

func TestPipelineIgnoresNonDisplayable(t *testing.T) {
	srv, calls := completionServer(t, "echo")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL, ""))

	sess.handleInbound(context.Background(), &classify.Envelope{
		ChatID:   "27821111111@s.whatsapp.net",
		SenderID: "27821111111@s.whatsapp.net",
	})

	if len(ft.sentMessages()) != 0 || *calls != 0 {
		t.Error("envelopes without a body must be skipped")
	}
}

func TestPipelineRateLimitsPerChat(t *testing.T) {
	srv, calls := completionServer(t, "reply")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL, `"cooldownSecondsDm": 60`))

	env := textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "hello")
	sess.handleInbound(context.Background(), env)
	sess.handleInbound(context.Background(), env)

	if len(ft.sentMessages()) != 1 || *calls != 1 {
		t.Errorf("sent=%d calls=%d, second message inside the cooldown should be dropped", len(ft.sentMessages()), *calls)
	}

	// A different chat is unaffected
	sess.handleInbound(context.Background(), textEnvelope("27822222222@s.whatsapp.net", "27822222222@s.whatsapp.net", "hi"))
	if len(ft.sentMessages()) != 2 {
		t.Error("other chats must not share the cooldown")
	}
}

func TestPipelineGroupDeniedWithoutMention(t *testing.T) {
	srv, calls := completionServer(t, "reply")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL,
		`"respondToGroups": true, "allowedGroups": ["123@g.us"], "cooldownSecondsGroup": 0`))

	env := textEnvelope("123@g.us", "27821111111@s.whatsapp.net", "hello everyone")
	sess.handleInbound(context.Background(), env)
	if len(ft.sentMessages()) != 0 {
		t.Fatal("group message without mention must be ignored")
	}

	env.Text.Mentions = []string{"27820000000@s.whatsapp.net"}
	sess.handleInbound(context.Background(), env)
	if len(ft.sentMessages()) != 1 || *calls != 1 {
		t.Errorf("mentioned group message should get a reply, sent=%d calls=%d", len(ft.sentMessages()), *calls)
	}
}

func TestPipelineGroupRequireCommandDropsFreeText(t *testing.T) {
	srv, calls := completionServer(t, "reply")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL,
		`"respondToGroups": true, "allowedGroups": ["123@g.us"], "groupRequireCommand": true`))

	env := textEnvelope("123@g.us", "27821111111@s.whatsapp.net", "hello")
	env.Text.Mentions = []string{"27820000000@s.whatsapp.net"}
	sess.handleInbound(context.Background(), env)

	if len(ft.sentMessages()) != 0 || *calls != 0 {
		t.Error("free text must be dropped when commands are required")
	}
}

func TestPipelineTruncatesAndTags(t *testing.T) {
	long := strings.Repeat("x", 600)
	srv, _ := completionServer(t, long)
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL,
		`"maxResponseChars": 200, "botTag": "[bot]"`))

	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "hello"))

	sent := ft.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if !strings.HasPrefix(sent[0].Text, "[bot] ") {
		t.Errorf("reply %q missing bot tag prefix", sent[0].Text[:20])
	}
	body := strings.TrimPrefix(sent[0].Text, "[bot] ")
	if len([]rune(body)) != 200 || !strings.HasSuffix(body, "…") {
		t.Errorf("body length = %d, want 200 ending in ellipsis", len([]rune(body)))
	}
}

func TestPipelineConfigErrorAnsweredInChat(t *testing.T) {
	// openaiCompatible with no base URL is a configuration error
	sess, ft, _ := newTestSession(t, `{"provider": "openaiCompatible", "openaiCompatibleApiKey": "k"}`)

	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "hello"))

	sent := ft.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 guidance message", len(sent))
	}
	if !strings.Contains(sent[0].Text, "base URL") {
		t.Errorf("guidance = %q, should mention the missing base URL", sent[0].Text)
	}
}

func TestPipelineProviderErrorAnsweredInChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL, ""))

	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "hello"))

	sent := ft.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 user-facing failure line", len(sent))
	}
	if !strings.Contains(sent[0].Text, "500") {
		t.Errorf("failure line = %q, should name the HTTP status", sent[0].Text)
	}
}

func TestPipelineGroupIDCommand(t *testing.T) {
	srv, calls := completionServer(t, "reply")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL,
		`"ownerNumber": "27821111111", "respondToGroups": true, "allowedGroups": ["999@g.us"]`))

	// The owner mentioning the bot gets the id even in a group that is
	// not allowlisted yet
	env := textEnvelope("123@g.us", "27821111111@s.whatsapp.net", "!groupid")
	env.Text.Mentions = []string{"27820000000@s.whatsapp.net"}
	sess.handleInbound(context.Background(), env)

	sent := ft.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Text, "123@g.us") || !strings.Contains(sent[0].Text, "not in the allowlist") {
		t.Errorf("groupid reply = %q", sent[0].Text)
	}
	if *calls != 0 {
		t.Error("built-in commands must not hit the completion provider")
	}

	// Without the mention, or from a non-owner, the denial is silent
	sess.handleInbound(context.Background(), textEnvelope("123@g.us", "27821111111@s.whatsapp.net", "!groupid"))
	other := textEnvelope("123@g.us", "27822222222@s.whatsapp.net", "!groupid")
	other.Text.Mentions = []string{"27820000000@s.whatsapp.net"}
	sess.handleInbound(context.Background(), other)
	if len(ft.sentMessages()) != 1 {
		t.Errorf("sent = %+v, groupid gating must deny silently", ft.sentMessages())
	}
}

func TestPipelineCommandAfterLeadingMention(t *testing.T) {
	srv, _ := completionServer(t, "reply")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL,
		`"ownerNumber": "27821111111", "respondToGroups": true, "allowedGroups": ["123@g.us"]`))

	env := textEnvelope("123@g.us", "27821111111@s.whatsapp.net", "@27820000000 !groupid")
	env.Text.Mentions = []string{"27820000000@s.whatsapp.net"}
	sess.handleInbound(context.Background(), env)

	sent := ft.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Group ID:") {
		t.Errorf("sent = %+v, leading mention should not hide the command", sent)
	}
}

func TestPipelineHelpCommand(t *testing.T) {
	srv, _ := completionServer(t, "reply")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL, ""))

	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "!help"))

	sent := ft.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	for _, name := range []string{"!groupid", "!status", "!help"} {
		if !strings.Contains(sent[0].Text, name) {
			t.Errorf("help text missing %s", name)
		}
	}
}

func TestPipelineUnknownCommandFallsThrough(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = jsonDecodeBody(r, &body)
		if n := len(body.Messages); n > 0 {
			gotPrompt = body.Messages[n-1].Content
		}
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "42"}}]}`))
	}))
	t.Cleanup(srv.Close)
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL, ""))

	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "!ask what is the answer"))

	if gotPrompt != "what is the answer" {
		t.Errorf("prompt = %q, unknown commands should pass their arguments to the model", gotPrompt)
	}
	if len(ft.sentMessages()) != 1 {
		t.Errorf("sent = %+v, want the completion reply", ft.sentMessages())
	}

	// An unknown command with no arguments has nothing to ask
	sess.handleInbound(context.Background(), textEnvelope("27822222222@s.whatsapp.net", "27822222222@s.whatsapp.net", "!ask"))
	if len(ft.sentMessages()) != 1 {
		t.Error("argument-less unknown command should be dropped")
	}
}

func TestPipelineStatusCommandGated(t *testing.T) {
	srv, _ := completionServer(t, "reply")
	sess, ft, _ := newTestSession(t, compatSettings(srv.URL, `"restrictToOwner": true, "ownerNumber": "27829999999"`))

	// Non-owner is denied silently
	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "!status"))
	if len(ft.sentMessages()) != 0 {
		t.Fatal("status must respect the owner restriction")
	}

	// Owner gets the summary
	sess.handleInbound(context.Background(), textEnvelope("27829999999@s.whatsapp.net", "27829999999@s.whatsapp.net", "!status"))
	sent := ft.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Provider:") {
		t.Errorf("owner status reply = %+v", sent)
	}
}

func TestPipelineRoutesProfileBySender(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = jsonDecodeBody(r, &body)
		gotModel = body.Model
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	t.Cleanup(srv.Close)

	raw := `{
		"provider": "openaiCompatible",
		"openaiCompatibleApiKey": "k",
		"openaiCompatibleBaseUrl": "` + srv.URL + `",
		"model": "default-model",
		"profiles": [
			{"id": "p1", "name": "Default"},
			{"id": "p2", "name": "Routed", "model": "routed-model"}
		],
		"activeProfileId": "p1",
		"profileRouting": {"27821111111": "p2"}
	}`
	sess, ft, _ := newTestSession(t, raw)

	sess.handleInbound(context.Background(), textEnvelope("27821111111@s.whatsapp.net", "27821111111@s.whatsapp.net", "hi"))
	if gotModel != "routed-model" {
		t.Errorf("model = %q, want the routed profile's model", gotModel)
	}
	if len(ft.sentMessages()) != 1 {
		t.Fatal("routed sender should get a reply")
	}

	sess.handleInbound(context.Background(), textEnvelope("27822222222@s.whatsapp.net", "27822222222@s.whatsapp.net", "hi"))
	if gotModel != "default-model" {
		t.Errorf("model = %q, want the active profile's inherited model", gotModel)
	}
}
