package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/scout/internal/files"
	"github.com/user/scout/internal/retry"
	"github.com/user/scout/internal/types"
)

const okTrue = `{"ok":true,"result":true}`

// fakeTelegram serves the handful of Bot API methods the connector calls.
type fakeTelegram struct {
	server *httptest.Server

	mu             sync.Mutex
	updates        []string
	offsets        []string
	sent           []url.Values
	deleteWebhooks int
	getUpdates     int
	sendAttempts   int
	sendFailures   []string
	fileBody       []byte
}

func newFakeTelegram(t *testing.T) *fakeTelegram {
	t.Helper()
	f := &fakeTelegram{fileBody: []byte("jpeg-bytes")}
	f.server = httptest.NewServer(f)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		w.Write(f.fileBody)
		return
	}
	r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	switch path.Base(r.URL.Path) {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Scout","username":"scout_bot"}}`)
	case "deleteWebhook":
		f.mu.Lock()
		f.deleteWebhooks++
		f.mu.Unlock()
		fmt.Fprint(w, okTrue)
	case "getUpdates":
		f.mu.Lock()
		f.getUpdates++
		f.offsets = append(f.offsets, r.FormValue("offset"))
		var next string
		if len(f.updates) > 0 {
			next, f.updates = f.updates[0], f.updates[1:]
		}
		f.mu.Unlock()
		if next == "" {
			time.Sleep(10 * time.Millisecond)
			next = `{"ok":true,"result":[]}`
		}
		fmt.Fprint(w, next)
	case "sendMessage", "sendPhoto", "sendDocument":
		f.mu.Lock()
		f.sendAttempts++
		if len(f.sendFailures) > 0 {
			failure := f.sendFailures[0]
			f.sendFailures = f.sendFailures[1:]
			f.mu.Unlock()
			fmt.Fprint(w, failure)
			return
		}
		f.sent = append(f.sent, r.Form)
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	case "sendChatAction":
		fmt.Fprint(w, okTrue)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeTelegram) queue(responses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, responses...)
}

func (f *fakeTelegram) endpoint() string {
	return f.server.URL + "/bot%s/%s"
}

func (f *fakeTelegram) snapshot() (offsets []string, sent []url.Values, deletes, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offsets...), append([]url.Values(nil), f.sent...), f.deleteWebhooks, f.getUpdates
}

// testBot redirects file downloads to the fake server.
type testBot struct {
	*tgbotapi.BotAPI
	fileURL string
}

func (b *testBot) GetFileDirectURL(fileID string) (string, error) {
	return b.fileURL + "/file/" + fileID, nil
}

func newTestBot(t *testing.T, f *fakeTelegram) *testBot {
	t.Helper()
	bot, err := tgbotapi.NewBotAPIWithClient("test-token", f.endpoint(), f.server.Client())
	if err != nil {
		t.Fatal(err)
	}
	return &testBot{BotAPI: bot, fileURL: f.server.URL}
}

func testOptions(t *testing.T) Options {
	return Options{
		Polling:   true,
		StatePath: filepath.Join(t.TempDir(), "offset.json"),
		Retry:     retry.Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		SendRetry: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		Files:     files.NewStore(t.TempDir()),
		SendRate:  1000,
	}
}

type received struct {
	msg  types.ConnectorMessage
	mctx types.MessageContext
}

func subscribe(c *Connector) <-chan received {
	ch := make(chan received, 10)
	c.OnMessage(func(msg types.ConnectorMessage, mctx types.MessageContext) {
		ch <- received{msg: msg, mctx: mctx}
	})
	return ch
}

func waitReceived(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

func updateJSON(id int, message string) string {
	return fmt.Sprintf(`{"ok":true,"result":[{"update_id":%d,"message":%s}]}`, id, message)
}

const textMessage = `{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"from":{"id":7,"is_bot":false,"first_name":"Ada"},"text":"hi"}`

func shutdown(t *testing.T, c *Connector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx, "test"); err != nil {
		t.Fatal(err)
	}
}

func TestConnectorDeliversMessagesAndPersistsOffset(t *testing.T) {
	f := newFakeTelegram(t)
	f.queue(updateJSON(10, textMessage))
	opts := testOptions(t)

	c := newConnector(newTestBot(t, f), opts)
	ch := subscribe(c)
	c.Start()

	got := waitReceived(t, ch)
	if got.msg.TextOrEmpty() != "hi" {
		t.Errorf("expected text 'hi', got %q", got.msg.TextOrEmpty())
	}
	if got.mctx.ChannelID != "42" {
		t.Errorf("expected channel 42, got %s", got.mctx.ChannelID)
	}
	if got.mctx.UserID == nil || *got.mctx.UserID != "7" {
		t.Errorf("expected user 7, got %v", got.mctx.UserID)
	}
	shutdown(t, c)

	data, err := os.ReadFile(opts.StatePath)
	if err != nil {
		t.Fatal(err)
	}
	var state offsetState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}
	if state.LastUpdateID != 10 {
		t.Errorf("expected lastUpdateId 10, got %d", state.LastUpdateID)
	}

	f2 := newFakeTelegram(t)
	restarted := newConnector(newTestBot(t, f2), opts)
	restarted.Start()
	deadline := time.Now().Add(3 * time.Second)
	for {
		offsets, _, _, _ := f2.snapshot()
		if len(offsets) > 0 {
			if offsets[0] != "11" {
				t.Errorf("expected restart to poll from offset 11, got %q", offsets[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("restarted connector never polled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	shutdown(t, restarted)
}

func TestConnectorClearsWebhookBeforePolling(t *testing.T) {
	f := newFakeTelegram(t)
	opts := testOptions(t)
	opts.ClearWebhook = true

	c := newConnector(newTestBot(t, f), opts)
	c.Start()
	time.Sleep(30 * time.Millisecond)
	shutdown(t, c)

	if _, _, deletes, _ := f.snapshot(); deletes != 1 {
		t.Errorf("expected webhook cleared once, got %d", deletes)
	}
}

func TestConnectorConflictIsFatalAfterWebhookCleared(t *testing.T) {
	f := newFakeTelegram(t)
	conflict := `{"ok":false,"error_code":409,"description":"Conflict: terminated by other getUpdates request"}`
	f.queue(conflict, conflict)

	fatal := make(chan string, 1)
	opts := testOptions(t)
	opts.ConflictDelay = time.Millisecond
	opts.OnFatal = func(reason string, err error) { fatal <- reason }

	c := newConnector(newTestBot(t, f), opts)
	c.Start()
	defer shutdown(t, c)

	select {
	case reason := <-fatal:
		if reason != "polling_conflict" {
			t.Errorf("expected polling_conflict, got %s", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected fatal report")
	}
	if _, _, deletes, _ := f.snapshot(); deletes != 1 {
		t.Errorf("expected one webhook clear before giving up, got %d", deletes)
	}
}

func TestConnectorRetriesAfterPollingError(t *testing.T) {
	f := newFakeTelegram(t)
	f.queue(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`, updateJSON(3, textMessage))

	c := newConnector(newTestBot(t, f), testOptions(t))
	ch := subscribe(c)
	c.Start()
	defer shutdown(t, c)

	if got := waitReceived(t, ch); got.msg.TextOrEmpty() != "hi" {
		t.Errorf("expected message after retry, got %q", got.msg.TextOrEmpty())
	}
}

func TestConnectorPermanentPollingErrorIsFatal(t *testing.T) {
	f := newFakeTelegram(t)
	f.queue(`{"ok":false,"error_code":401,"description":"Unauthorized"}`)

	fatal := make(chan string, 1)
	opts := testOptions(t)
	opts.OnFatal = func(reason string, err error) { fatal <- reason }

	c := newConnector(newTestBot(t, f), opts)
	c.Start()
	defer shutdown(t, c)

	select {
	case reason := <-fatal:
		if reason != "polling_failed" {
			t.Errorf("expected polling_failed, got %s", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected fatal report")
	}
	if _, _, _, polls := f.snapshot(); polls != 1 {
		t.Errorf("expected polling to stop after one call, got %d", polls)
	}
}

func TestConnectorStopsPollingAfterShutdown(t *testing.T) {
	f := newFakeTelegram(t)
	c := newConnector(newTestBot(t, f), testOptions(t))
	c.Start()
	time.Sleep(30 * time.Millisecond)
	shutdown(t, c)

	_, _, _, before := f.snapshot()
	time.Sleep(50 * time.Millisecond)
	if _, _, _, after := f.snapshot(); after != before {
		t.Errorf("expected no polling after shutdown, got %d more calls", after-before)
	}
}

func TestConnectorDownloadsLargestPhoto(t *testing.T) {
	f := newFakeTelegram(t)
	photo := `{"message_id":2,"date":0,"chat":{"id":42,"type":"private"},"caption":"look",` +
		`"photo":[{"file_id":"small","file_unique_id":"s","width":1,"height":1,"file_size":10},` +
		`{"file_id":"big","file_unique_id":"b","width":9,"height":9,"file_size":900}]}`
	f.queue(updateJSON(4, photo))

	c := newConnector(newTestBot(t, f), testOptions(t))
	ch := subscribe(c)
	c.Start()
	defer shutdown(t, c)

	got := waitReceived(t, ch)
	if got.msg.TextOrEmpty() != "look" {
		t.Errorf("expected caption as text, got %q", got.msg.TextOrEmpty())
	}
	if len(got.msg.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(got.msg.Files))
	}
	file := got.msg.Files[0]
	if file.Name != "photo-big.jpg" || file.MimeType != "image/jpeg" {
		t.Errorf("unexpected file reference %+v", file)
	}
	data, err := os.ReadFile(file.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("expected downloaded bytes, got %q", data)
	}
}

func TestSendMessageSplitsLongText(t *testing.T) {
	f := newFakeTelegram(t)
	opts := testOptions(t)
	opts.Polling = false
	c := newConnector(newTestBot(t, f), opts)

	text := strings.Repeat("a", maxTelegramMessage+10)
	if err := c.SendMessage(context.Background(), "42", types.ConnectorMessage{Text: &text}); err != nil {
		t.Fatal(err)
	}
	_, sent, _, _ := f.snapshot()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	if sent[0].Get("chat_id") != "42" {
		t.Errorf("expected chat_id 42, got %s", sent[0].Get("chat_id"))
	}
	if len(sent[1].Get("text")) != 10 {
		t.Errorf("expected 10 char remainder, got %d", len(sent[1].Get("text")))
	}
}

func TestSendMessageRetriesTransientFailure(t *testing.T) {
	f := newFakeTelegram(t)
	f.sendFailures = []string{`{"ok":false,"error_code":502,"description":"Bad Gateway"}`}
	opts := testOptions(t)
	opts.Polling = false
	c := newConnector(newTestBot(t, f), opts)

	if err := c.SendMessage(context.Background(), "42", types.ConnectorMessage{Text: types.Ptr("hello")}); err != nil {
		t.Fatal(err)
	}
	_, sent, _, _ := f.snapshot()
	if len(sent) != 1 || sent[0].Get("text") != "hello" {
		t.Fatalf("expected one delivered message, got %v", sent)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", f.sendAttempts)
	}
}

func TestSendMessageDoesNotRetryBadRequest(t *testing.T) {
	f := newFakeTelegram(t)
	f.sendFailures = []string{`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`}
	opts := testOptions(t)
	opts.Polling = false
	c := newConnector(newTestBot(t, f), opts)

	err := c.SendMessage(context.Background(), "42", types.ConnectorMessage{Text: types.Ptr("hello")})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected chat not found error, got %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendAttempts != 1 {
		t.Errorf("expected 1 attempt, got %d", f.sendAttempts)
	}
}

func TestSendMessageRejectsBadChatID(t *testing.T) {
	f := newFakeTelegram(t)
	opts := testOptions(t)
	opts.Polling = false
	c := newConnector(newTestBot(t, f), opts)

	if err := c.SendMessage(context.Background(), "not-a-chat", types.ConnectorMessage{Text: types.Ptr("x")}); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}

func TestSplitMessage(t *testing.T) {
	parts := splitMessage("hello")
	if len(parts) != 1 || parts[0] != "hello" {
		t.Errorf("expected single part, got %v", parts)
	}
	long := strings.Repeat("x", 2*maxTelegramMessage+1)
	parts = splitMessage(long)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if len(parts[2]) != 1 {
		t.Errorf("expected 1 char tail, got %d", len(parts[2]))
	}
}
