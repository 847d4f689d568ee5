package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/botkeeper/transport"
)

// fakeAPI serves the handful of Bot API methods the client uses.
type fakeAPI struct {
	mu      sync.Mutex
	pending []string
	sent    []http.Header
	texts   []string
	replyTo []string
	getMe   int

	// hold, when set, keeps every getUpdates open until it is closed.
	hold    chan struct{}
	polling chan struct{}
}

func (f *fakeAPI) holdPolls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	f.polling = make(chan struct{}, 16)
}

func (f *fakeAPI) releasePolls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.hold)
}

func (f *fakeAPI) queue(update string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, update)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		if strings.Contains(r.URL.Path, "/botbad/") {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		f.mu.Lock()
		f.getMe++
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Echo","username":"echo_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		f.mu.Lock()
		hold, polling := f.hold, f.polling
		f.mu.Unlock()
		if hold != nil {
			polling <- struct{}{}
			<-hold
		}
		f.mu.Lock()
		updates := f.pending
		f.pending = nil
		f.mu.Unlock()
		if len(updates) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":[` + strings.Join(updates, ",") + `]}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		f.texts = append(f.texts, r.PostForm.Get("text"))
		f.replyTo = append(f.replyTo, r.PostForm.Get("reply_to_message_id"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":2,"date":0,"chat":{"id":5,"type":"private"}}}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, token string) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New(token, WithEndpoint(srv.URL+"/bot%s/%s"), WithHTTPClient(srv.Client()), WithPollTimeout(1))
	return c, api
}

func TestAcquireLearnsIdentity(t *testing.T) {
	c, api := newTestClient(t, "good")
	ctx := context.Background()

	_, ok := c.Identity()
	assert.False(t, ok)

	require.NoError(t, c.Acquire(ctx))
	id, ok := c.Identity()
	require.True(t, ok)
	assert.Equal(t, int64(99), id.ID)
	assert.Equal(t, "Echo", id.Name)
	assert.Equal(t, "https://t.me/echo_bot", id.Link)

	assert.ErrorIs(t, c.Acquire(ctx), transport.ErrAlreadyAcquired)
	require.NoError(t, c.Release(ctx))
	require.NoError(t, c.Acquire(ctx))
	assert.Equal(t, 2, api.getMe)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Acquire(ctx), transport.ErrClosed)
}

func TestAcquireRejectedToken(t *testing.T) {
	c, _ := newTestClient(t, "bad")
	assert.Error(t, c.Acquire(context.Background()))
	_, ok := c.Identity()
	assert.False(t, ok)
}

func TestReceiveAndReply(t *testing.T) {
	c, api := newTestClient(t, "good")
	ctx := context.Background()

	assert.ErrorIs(t, c.BeginReceiving(ctx), transport.ErrNotAcquired)
	require.NoError(t, c.Acquire(ctx))

	received := make(chan transport.Message, 1)
	c.Handle(func(ctx context.Context, m transport.Message) {
		assert.NoError(t, c.Send(ctx, m.Reply("echo: "+m.Text)))
		received <- m
	})
	require.NoError(t, c.BeginReceiving(ctx))

	api.queue(`{"update_id":1,"message":{"message_id":11,"date":0,"chat":{"id":5,"type":"private"},"from":{"id":1,"first_name":"Ann","username":"ann"},"text":"hi"}}`)

	select {
	case m := <-received:
		assert.Equal(t, "hi", m.Text)
		assert.Equal(t, int64(5), m.ChatID)
		assert.Equal(t, 11, m.ID)
		assert.Equal(t, "ann", m.From)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, c.StopReceiving(ctx))
	require.NoError(t, c.Release(ctx))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"echo: hi"}, api.texts)
	assert.Equal(t, []string{strconv.Itoa(11)}, api.replyTo)
}

func TestSendRequiresSession(t *testing.T) {
	c, _ := newTestClient(t, "good")
	assert.ErrorIs(t, c.Send(context.Background(), transport.Outgoing{ChatID: 1, Text: "x"}), transport.ErrNotAcquired)
}

func TestReleaseWaitsForLongPoll(t *testing.T) {
	c, api := newTestClient(t, "good")
	api.holdPolls()
	ctx := context.Background()

	require.NoError(t, c.Acquire(ctx))
	require.NoError(t, c.BeginReceiving(ctx))
	select {
	case <-api.polling:
	case <-time.After(5 * time.Second):
		t.Fatal("long poll never started")
	}

	released := make(chan error, 1)
	go func() { released <- c.Release(ctx) }()
	select {
	case <-released:
		t.Fatal("release returned while the long poll was still open")
	case <-time.After(100 * time.Millisecond):
	}

	api.releasePolls()
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("release did not return after the long poll ended")
	}
	require.NoError(t, c.Acquire(ctx))
	require.NoError(t, c.Close())
}

func TestReleaseBoundedByContext(t *testing.T) {
	c, api := newTestClient(t, "good")
	api.holdPolls()
	ctx := context.Background()

	require.NoError(t, c.Acquire(ctx))
	require.NoError(t, c.BeginReceiving(ctx))
	<-api.polling

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := c.Release(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, c.Acquire(ctx), ErrDraining)

	api.releasePolls()
	assert.Eventually(t, func() bool { return c.Acquire(ctx) == nil }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
}
