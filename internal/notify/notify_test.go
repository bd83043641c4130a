package notify_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/internal/notify"
)

// botServer fakes the two Bot API methods the notifier uses.
type botServer struct {
	*httptest.Server
	mu    sync.Mutex
	sent  []string
	chats []string
}

func newBotServer(t *testing.T) *botServer {
	t.Helper()

	s := &botServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"ops","username":"ops_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.NoError(t, r.ParseForm())
			s.mu.Lock()
			s.sent = append(s.sent, r.FormValue("text"))
			s.chats = append(s.chats, r.FormValue("chat_id"))
			s.mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *botServer) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestTelegram_Notify(t *testing.T) {
	t.Parallel()

	srv := newBotServer(t)
	tg, err := notify.NewTelegram(notify.TelegramConfig{
		Token:    "test-token",
		ChatID:   42,
		Endpoint: srv.URL + "/bot%s/%s",
	})
	require.NoError(t, err)

	require.NoError(t, tg.Notify(context.Background(), notify.Event{Kind: notify.KindSquareOff, Text: "closed RELIANCE-EQ"}))

	assert.Equal(t, []string{"closed RELIANCE-EQ"}, srv.messages())
	srv.mu.Lock()
	assert.Equal(t, []string{"42"}, srv.chats)
	srv.mu.Unlock()
}

func TestTelegram_FiltersKinds(t *testing.T) {
	t.Parallel()

	srv := newBotServer(t)
	tg, err := notify.NewTelegram(notify.TelegramConfig{
		Token:    "test-token",
		ChatID:   42,
		Endpoint: srv.URL + "/bot%s/%s",
		Kinds:    []notify.Kind{notify.KindFailure},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tg.Notify(ctx, notify.Event{Kind: notify.KindSquareOff, Text: "dropped"}))
	require.NoError(t, tg.Notify(ctx, notify.Event{Kind: notify.KindFailure, Text: "close failed"}))

	assert.Equal(t, []string{"close failed"}, srv.messages())
}

func TestTelegram_BadToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	t.Cleanup(srv.Close)

	_, err := notify.NewTelegram(notify.TelegramConfig{Token: "bad", ChatID: 1, Endpoint: srv.URL + "/bot%s/%s"})
	assert.Error(t, err)
}

func TestLog_Notify(t *testing.T) {
	t.Parallel()

	l := notify.NewLog(nil)
	assert.NoError(t, l.Notify(context.Background(), notify.Event{Kind: notify.KindFailure, Text: "x"}))
}
