package telegram

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	getMe atomic.Int32
	sent  chan map[string]any
	fail  string

	// hold, when set, stalls getMe until closed
	hold chan struct{}
}

func newFakeBot(t *testing.T) (*fakeBot, *httptest.Server) {
	t.Helper()
	fb := &fakeBot{sent: make(chan map[string]any, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/botTOKEN/getMe":
			fb.getMe.Add(1)
			if fb.hold != nil {
				<-fb.hold
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"username":"teletrack_bot"}}`))
		case "/botTOKEN/sendMessage":
			if fb.fail != "" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"` + fb.fail + `"}`))
				return
			}
			var m map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
			fb.sent <- m
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Not Found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func TestClient_Send(t *testing.T) {
	fb, srv := newFakeBot(t)
	c := New(srv.URL, "TOKEN", "teletrack")
	c.newNotifyID = func() string { return "n-1" }

	err := c.Send(context.Background(), 1001, "<b>RR1</b>: Delivered", map[string]string{"tracking_number": "RR1"})
	require.NoError(t, err)

	m := <-fb.sent
	require.EqualValues(t, 1001, m["chat_id"])
	require.Equal(t, "HTML", m["parse_mode"])

	kb := m["reply_markup"].(map[string]any)["inline_keyboard"].([]any)
	btn := kb[0].([]any)[0].(map[string]any)
	require.Equal(t, "Open Mini App", btn["text"])

	u, err := url.Parse(btn["url"].(string))
	require.NoError(t, err)
	require.Equal(t, "t.me", u.Host)
	require.Equal(t, "/teletrack_bot/teletrack", u.Path)

	raw, err := base64.URLEncoding.DecodeString(u.Query().Get("startapp"))
	require.NoError(t, err)
	require.JSONEq(t, `{"notification_id":"n-1","tracking_number":"RR1"}`, string(raw))
}

func TestClient_GetMeIsMemoized(t *testing.T) {
	fb, srv := newFakeBot(t)
	c := New(srv.URL, "TOKEN", "teletrack")

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send(context.Background(), 1, "x", nil))
		<-fb.sent
	}
	require.Equal(t, int32(1), fb.getMe.Load())
}

func TestClient_SlowGetMeDoesNotOutliveCallerContext(t *testing.T) {
	fb, srv := newFakeBot(t)
	fb.hold = make(chan struct{})
	c := New(srv.URL, "TOKEN", "teletrack")

	first := make(chan error, 1)
	go func() {
		_, err := c.DeepLink(context.Background(), nil)
		first <- err
	}()
	require.Eventually(t, func() bool { return fb.getMe.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.DeepLink(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	close(fb.hold)
	require.NoError(t, <-first)

	link, err := c.DeepLink(context.Background(), nil)
	require.NoError(t, err)
	require.Contains(t, link, "/teletrack_bot/teletrack")
	require.Equal(t, int32(1), fb.getMe.Load())
}

func TestClient_SendSilent(t *testing.T) {
	fb, srv := newFakeBot(t)
	c := New(srv.URL, "TOKEN", "teletrack")

	require.NoError(t, c.SendSilent(context.Background(), 5))
	m := <-fb.sent
	require.Equal(t, "You have updates!", m["text"])
	require.Equal(t, true, m["disable_notification"])
	require.Nil(t, m["reply_markup"])
}

func TestClient_SendErrorCarriesDescription(t *testing.T) {
	fb, srv := newFakeBot(t)
	fb.fail = "Forbidden: bot was blocked by the user"
	c := New(srv.URL, "TOKEN", "teletrack")

	err := c.Send(context.Background(), 1, "x", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Contains(t, apiErr.Description, "blocked")
}

func TestClient_BadToken(t *testing.T) {
	_, srv := newFakeBot(t)
	c := New(srv.URL, "WRONG", "teletrack")

	err := c.Send(context.Background(), 1, "x", nil)
	require.Error(t, err)
	require.NotContains(t, err.Error(), "WRONG")
}
