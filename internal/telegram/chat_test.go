package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvarorichard/animeworld/internal/bot"
	"github.com/alvarorichard/animeworld/internal/tracking"
)

const (
	testToken  = "123456:test-token"
	testChatID = int64(1001)
)

type apiCall struct {
	Method string
	Form   url.Values
}

// fakeAPI answers Bot API methods with canned results and records them
type fakeAPI struct {
	mu          sync.Mutex
	calls       []apiCall
	nextID      int64
	notModified bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseMultipartForm(32 << 20)
	method := path.Base(r.URL.Path)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Form: r.Form})
	f.nextID++
	id := f.nextID
	notModified := f.notModified
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "answerCallbackQuery":
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case "editMessageText":
		if notModified {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`)
			return
		}
		messageID, _ := strconv.ParseInt(r.Form.Get("message_id"), 10, 64)
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%d,"type":"private"}}}`, messageID, testChatID)
	default:
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%d,"type":"private"}}}`, 100+id, testChatID)
	}
}

func (f *fakeAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeAPI) call(i int) apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newFakeBot(t *testing.T) (*gotgbot.Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := newClient(testToken, srv.URL, 5*time.Second, false)
	require.NoError(t, err)
	return b, api
}

func TestShowSendsThenEdits(t *testing.T) {
	b, api := newFakeBot(t)
	c := newChat(b, nil, testChatID, 0, nil)
	ctx := context.Background()

	require.NoError(t, c.Show(ctx, bot.Menu{Text: "🔍 Searching for 'Naruto'..."}))
	require.NoError(t, c.Show(ctx, bot.Menu{
		Text: "results",
		Rows: [][]bot.Button{{{Label: "Naruto", Action: bot.SelectAnime{Index: 0}}}},
	}))

	assert.Equal(t, []string{"sendMessage", "editMessageText"}, api.methods())
	first := api.call(0)
	assert.Equal(t, strconv.FormatInt(testChatID, 10), first.Form.Get("chat_id"))
	assert.Equal(t, "🔍 Searching for 'Naruto'...", first.Form.Get("text"))

	edit := api.call(1)
	assert.Equal(t, "101", edit.Form.Get("message_id"))
	assert.Contains(t, edit.Form.Get("reply_markup"), `"callback_data":"select_anime:0"`)
}

func TestShowFromCallbackAnswersAndEditsInPlace(t *testing.T) {
	b, api := newFakeBot(t)
	cq := &gotgbot.CallbackQuery{Id: "cb-1", Data: "dl_ep:0"}
	c := newChat(b, nil, testChatID, 77, cq)

	require.NoError(t, c.Show(context.Background(), bot.Menu{Text: "🔄 Extracting player..."}))
	c.answer("")

	assert.Equal(t, []string{"answerCallbackQuery", "editMessageText"}, api.methods())
	assert.Equal(t, "cb-1", api.call(0).Form.Get("callback_query_id"))
	assert.Equal(t, "77", api.call(1).Form.Get("message_id"))
}

func TestNotifyAnswersOnceThenSends(t *testing.T) {
	b, api := newFakeBot(t)
	c := newChat(b, nil, testChatID, 77, &gotgbot.CallbackQuery{Id: "cb-2"})
	ctx := context.Background()

	require.NoError(t, c.Notify(ctx, "Cancelling..."))
	require.NoError(t, c.Notify(ctx, "Nothing to cancel."))

	assert.Equal(t, []string{"answerCallbackQuery", "sendMessage"}, api.methods())
	assert.Equal(t, "Cancelling...", api.call(0).Form.Get("text"))
	assert.Equal(t, "Nothing to cancel.", api.call(1).Form.Get("text"))
}

func TestNotModifiedEditIsIgnored(t *testing.T) {
	b, api := newFakeBot(t)
	api.notModified = true
	c := newChat(b, nil, testChatID, 77, nil)

	require.NoError(t, c.Show(context.Background(), bot.Menu{Text: "same"}))
	assert.Equal(t, []string{"editMessageText"}, api.methods())
}

func TestUploadsUseTheirChannels(t *testing.T) {
	b, api := newFakeBot(t)
	large, largeAPI := newFakeBot(t)
	c := newChat(b, large, testChatID, 0, nil)
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "episode.mp4")
	require.NoError(t, os.WriteFile(file, []byte("not really a video"), 0o644))

	require.NoError(t, c.SendVideo(ctx, file, "Naruto - Episode 3"))
	require.NoError(t, c.SendDocument(ctx, file, "Naruto - Episode 3"))
	require.NoError(t, c.SendLink(ctx, "https://cdn.example/master.m3u8", "Naruto - Episode 3"))

	assert.Equal(t, []string{"sendVideo", "sendMessage"}, api.methods())
	assert.Equal(t, []string{"sendDocument"}, largeAPI.methods())
	assert.Equal(t, "Naruto - Episode 3", api.call(0).Form.Get("caption"))
	assert.Equal(t, "Naruto - Episode 3\n\nhttps://cdn.example/master.m3u8", api.call(1).Form.Get("text"))
}

func TestSendDocumentWithoutLargeChannel(t *testing.T) {
	b, api := newFakeBot(t)
	c := newChat(b, nil, testChatID, 0, nil)

	file := filepath.Join(t.TempDir(), "episode.mp4")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.NoError(t, c.SendDocument(context.Background(), file, ""))
	assert.Equal(t, []string{"sendDocument"}, api.methods())
}

func TestSendVideoMissingFile(t *testing.T) {
	b, api := newFakeBot(t)
	c := newChat(b, nil, testChatID, 0, nil)

	err := c.SendVideo(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), "")
	assert.Error(t, err)
	assert.Empty(t, api.methods())
}

type fakeHistory struct {
	mu     sync.Mutex
	asked  []int64
	result []tracking.Delivery
}

func (h *fakeHistory) Recent(userID int64, limit int) ([]tracking.Delivery, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.asked = append(h.asked, userID)
	return h.result, nil
}

func TestHistoryCommandScopesToUser(t *testing.T) {
	b, api := newFakeBot(t)
	hist := &fakeHistory{result: []tracking.Delivery{{UserID: 5, Anime: "Naruto", Episode: "Episode 1", Route: "inline"}}}
	tb := newBot(b, nil, bot.NewMachine(bot.Deps{Store: bot.NewMemoryStore(0)}), Options{
		IsAdmin: func(id int64) bool { return id == 1 },
		History: hist,
	})
	ctx := context.Background()

	tb.history(ctx, 5, newChat(b, nil, testChatID, 0, nil), nil)
	tb.history(ctx, 1, newChat(b, nil, testChatID, 0, nil), nil)

	assert.Equal(t, []int64{5, 0}, hist.asked)
	require.Equal(t, []string{"sendMessage", "sendMessage"}, api.methods())
	assert.NotContains(t, api.call(0).Form.Get("text"), "user 5")
	assert.Contains(t, api.call(1).Form.Get("text"), "user 5")
}

func TestHistoryUnavailable(t *testing.T) {
	b, api := newFakeBot(t)
	tb := newBot(b, nil, bot.NewMachine(bot.Deps{Store: bot.NewMemoryStore(0)}), Options{})

	tb.history(context.Background(), 5, newChat(b, nil, testChatID, 0, nil), nil)
	require.Equal(t, []string{"sendMessage"}, api.methods())
	assert.Equal(t, "📭 Delivery history is not available.", api.call(0).Form.Get("text"))
}
