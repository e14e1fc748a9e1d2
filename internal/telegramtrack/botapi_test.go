package telegramtrack

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botServer struct {
	mu      sync.Mutex
	updates []string
	offsets []string
}

func (b *botServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/botTOKEN/") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/botTOKEN/") {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":100,"is_bot":true,"username":"rewards_bot","first_name":"Rewards"}}`))
		case "getChat":
			if r.URL.Query().Get("chat_id") != "@devs" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":-100,"type":"supergroup","title":"Devs","username":"devs"}}`))
		case "getUpdates":
			b.mu.Lock()
			b.offsets = append(b.offsets, r.URL.Query().Get("offset"))
			body := "[]"
			if len(b.updates) > 0 {
				body, b.updates = b.updates[0], b.updates[1:]
			}
			b.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":` + body + `}`))
		case "getChatMember":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"status":"member","user":{"id":8,"username":"dave","first_name":"Dave","last_name":"D"}}}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestBotAPI_GetMeAndResolveChat(t *testing.T) {
	b := &botServer{}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()
	api := NewBotAPI(srv.Client(), srv.URL, "TOKEN", 0)

	me, err := api.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Sender{ID: 100, Username: "rewards_bot", DisplayName: "Rewards"}, me)

	chat, err := api.ResolveChat(context.Background(), "devs")
	require.NoError(t, err)
	assert.Equal(t, Chat{ID: -100, Username: "devs", Title: "Devs", Type: "supergroup"}, chat)

	_, err = api.ResolveChat(context.Background(), "@nope")
	assert.True(t, errors.Is(err, ErrChatNotFound))
}

func TestBotAPI_BuffersUpdatesPerChat(t *testing.T) {
	b := &botServer{updates: []string{`[
		{"update_id":5,"message":{"message_id":1,"date":1700000000,"chat":{"id":-100},"from":{"id":7,"username":"alice","first_name":"Alice"},"text":"first"}},
		{"update_id":6,"message":{"message_id":2,"date":1700000001,"chat":{"id":-100},"from":{"id":8,"first_name":"Dave"},"text":"@rewards_bot thanks",
			"reply_to_message":{"message_id":1,"date":1700000000,"from":{"id":7,"username":"alice","first_name":"Alice"},"text":"first"}}},
		{"update_id":7,"message":{"message_id":1,"date":1700000002,"chat":{"id":-200},"text":"other chat"}}
	]`}}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()
	api := NewBotAPI(srv.Client(), srv.URL, "TOKEN", 0)

	msgs, err := api.RecentMessages(context.Background(), Chat{ID: -100}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].ID)
	assert.Equal(t, int64(1), msgs[0].ReplyToID)
	assert.Equal(t, int64(8), msgs[0].SenderID)

	replied, err := api.Message(context.Background(), -100, 1)
	require.NoError(t, err)
	assert.Equal(t, "first", replied.Text)

	s, err := api.Sender(context.Background(), -100, 7)
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Username)

	// Second sync must acknowledge the highest update id seen.
	_, err = api.RecentMessages(context.Background(), Chat{ID: -200}, 10)
	require.NoError(t, err)
	b.mu.Lock()
	assert.Equal(t, []string{"", "8"}, b.offsets)
	b.mu.Unlock()

	_, err = api.Message(context.Background(), -100, 99)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestBotAPI_SenderFallsBackToChatMember(t *testing.T) {
	srv := httptest.NewServer((&botServer{}).handler(t))
	defer srv.Close()
	api := NewBotAPI(srv.Client(), srv.URL, "TOKEN", 0)

	s, err := api.Sender(context.Background(), -100, 8)
	require.NoError(t, err)
	assert.Equal(t, Sender{ID: 8, Username: "dave", DisplayName: "Dave D"}, s)
}

func TestBotAPI_CapacityEvictsOldest(t *testing.T) {
	b := &botServer{updates: []string{`[
		{"update_id":1,"message":{"message_id":1,"date":1,"chat":{"id":1},"text":"a"}},
		{"update_id":2,"message":{"message_id":2,"date":2,"chat":{"id":1},"text":"b"}},
		{"update_id":3,"message":{"message_id":3,"date":3,"chat":{"id":1},"text":"c"}}
	]`}}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()
	api := NewBotAPI(srv.Client(), srv.URL, "TOKEN", 2)

	msgs, err := api.RecentMessages(context.Background(), Chat{ID: 1}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].ID)
	assert.Equal(t, int64(2), msgs[1].ID)
}
