package telegramtrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

const (
	DefaultBaseURL       = "https://api.telegram.org"
	defaultChatCapacity  = 500
	defaultUpdatesPerReq = 100
)

// BotAPI implements ChatClient over the Telegram Bot API. The Bot API has
// no history endpoint, so getUpdates results are buffered per chat and
// "recent messages" are served from that buffer.
type BotAPI struct {
	http     *http.Client
	baseURL  string
	token    string
	capacity int

	mu     sync.Mutex
	offset int64
	chats  map[int64]*chatBuffer
	users  map[int64]Sender
}

type chatBuffer struct {
	order deque.Deque[int64]
	byID  map[int64]Message
}

func NewBotAPI(httpClient *http.Client, baseURL, token string, capacity int) *BotAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if capacity <= 0 {
		capacity = defaultChatCapacity
	}
	return &BotAPI{
		http:     httpClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		capacity: capacity,
		chats:    make(map[int64]*chatBuffer),
		users:    make(map[int64]Sender),
	}
}

type apiUpdate struct {
	UpdateID          int64       `json:"update_id"`
	Message           *apiMessage `json:"message,omitempty"`
	EditedMessage     *apiMessage `json:"edited_message,omitempty"`
	ChannelPost       *apiMessage `json:"channel_post,omitempty"`
	EditedChannelPost *apiMessage `json:"edited_channel_post,omitempty"`
}

type apiMessage struct {
	MessageID int64       `json:"message_id"`
	Date      int64       `json:"date"`
	Chat      *apiChat    `json:"chat,omitempty"`
	From      *apiUser    `json:"from,omitempty"`
	ReplyTo   *apiMessage `json:"reply_to_message,omitempty"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
}

type apiChat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

type apiUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (api *BotAPI) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := api.http.Do(req)
	if err != nil {
		// url.Error repeats the endpoint, which embeds the token.
		return fmt.Errorf("telegram %s: %w", method, unwrapURLError(err))
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	_ = resp.Body.Close()

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

// GetMe returns the bot's own identity.
func (api *BotAPI) GetMe(ctx context.Context) (Sender, error) {
	var u apiUser
	if err := api.call(ctx, "getMe", nil, &u); err != nil {
		return Sender{}, err
	}
	return toSender(&u), nil
}

func (api *BotAPI) ResolveChat(ctx context.Context, ref string) (Chat, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Chat{}, ErrChatNotFound
	}
	if _, err := strconv.ParseInt(ref, 10, 64); err != nil && !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	var c apiChat
	if err := api.call(ctx, "getChat", url.Values{"chat_id": {ref}}, &c); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden) {
			return Chat{}, fmt.Errorf("%w: %s", ErrChatNotFound, apiErr.Description)
		}
		return Chat{}, err
	}
	return Chat{ID: c.ID, Username: c.Username, Title: c.Title, Type: c.Type}, nil
}

// Sync drains pending updates into the per-chat buffers.
func (api *BotAPI) Sync(ctx context.Context) error {
	for {
		api.mu.Lock()
		offset := api.offset
		api.mu.Unlock()

		params := url.Values{
			"timeout": {"0"},
			"limit":   {strconv.Itoa(defaultUpdatesPerReq)},
		}
		if offset > 0 {
			params.Set("offset", strconv.FormatInt(offset, 10))
		}
		var updates []apiUpdate
		if err := api.call(ctx, "getUpdates", params, &updates); err != nil {
			return err
		}

		api.mu.Lock()
		for _, u := range updates {
			if u.UpdateID >= api.offset {
				api.offset = u.UpdateID + 1
			}
			for _, m := range []*apiMessage{u.Message, u.EditedMessage, u.ChannelPost, u.EditedChannelPost} {
				api.bufferLocked(m)
			}
		}
		api.mu.Unlock()

		if len(updates) < defaultUpdatesPerReq {
			return nil
		}
	}
}

func (api *BotAPI) bufferLocked(m *apiMessage) {
	if m == nil || m.Chat == nil {
		return
	}
	if m.ReplyTo != nil && m.ReplyTo.Chat == nil {
		m.ReplyTo.Chat = m.Chat
	}
	api.bufferLocked(m.ReplyTo)

	if m.From != nil {
		api.users[m.From.ID] = toSender(m.From)
	}
	buf := api.chats[m.Chat.ID]
	if buf == nil {
		buf = &chatBuffer{byID: make(map[int64]Message)}
		api.chats[m.Chat.ID] = buf
	}
	msg := toMessage(m)
	if _, exists := buf.byID[msg.ID]; !exists {
		buf.order.PushBack(msg.ID)
	}
	// Edits replace the stored text.
	buf.byID[msg.ID] = msg
	if buf.order.Len() > api.capacity {
		delete(buf.byID, buf.order.PopFront())
	}
}

func (api *BotAPI) RecentMessages(ctx context.Context, chat Chat, limit int) ([]Message, error) {
	if err := api.Sync(ctx); err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	buf := api.chats[chat.ID]
	if buf == nil {
		return nil, nil
	}
	msgs := make([]Message, 0, buf.order.Len())
	for i := 0; i < buf.order.Len(); i++ {
		msgs = append(msgs, buf.byID[buf.order.At(i)])
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (api *BotAPI) Message(_ context.Context, chatID, messageID int64) (Message, error) {
	api.mu.Lock()
	defer api.mu.Unlock()
	if buf := api.chats[chatID]; buf != nil {
		if m, ok := buf.byID[messageID]; ok {
			return m, nil
		}
	}
	return Message{}, ErrMessageNotFound
}

func (api *BotAPI) Sender(ctx context.Context, chatID, userID int64) (Sender, error) {
	api.mu.Lock()
	s, ok := api.users[userID]
	api.mu.Unlock()
	if ok {
		return s, nil
	}

	var member struct {
		User apiUser `json:"user"`
	}
	params := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"user_id": {strconv.FormatInt(userID, 10)},
	}
	if err := api.call(ctx, "getChatMember", params, &member); err != nil {
		return Sender{}, err
	}
	s = toSender(&member.User)
	api.mu.Lock()
	api.users[userID] = s
	api.mu.Unlock()
	return s, nil
}

func toSender(u *apiUser) Sender {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return Sender{ID: u.ID, Username: u.Username, DisplayName: name}
}

func toMessage(m *apiMessage) Message {
	out := Message{
		ID:     m.MessageID,
		ChatID: m.Chat.ID,
		Text:   m.Text,
		Date:   time.Unix(m.Date, 0).UTC(),
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.From != nil {
		out.SenderID = m.From.ID
	}
	if m.ReplyTo != nil {
		out.ReplyToID = m.ReplyTo.MessageID
	}
	return out
}
