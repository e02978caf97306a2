package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nostrdice/internal/nostrevt"
)

func newEchoRelay(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			_ = conn.Write(r.Context(), websocket.MessageText, data)
		}
	}))
}

func TestPublishSucceedsOnFirstAttempt(t *testing.T) {
	srv := newEchoRelay(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	event := nostrevt.Event{ID: "deadbeef", Pubkey: "feedface", Kind: nostrevt.KindTextNote}
	policy := PublishPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, MaxElapsedTime: time.Second}
	require.NoError(t, c.Publish(ctx, event, policy))
}

func TestSubscribeReceivesMatchingEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var req []json.RawMessage
		require.NoError(t, json.Unmarshal(data, &req))
		var subID string
		require.NoError(t, json.Unmarshal(req[1], &subID))

		event := nostrevt.Event{ID: "abc123", Pubkey: "pub1", Kind: nostrevt.KindTextNote, Content: "hello"}
		frame, _ := json.Marshal([]interface{}{"EVENT", subID, event})
		_ = conn.Write(r.Context(), websocket.MessageText, frame)
		<-r.Context().Done()
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	ch, err := c.Subscribe(ctx, "sub-1", map[string]interface{}{"kinds": []int{nostrevt.KindTextNote}})
	require.NoError(t, err)

	select {
	case event := <-ch:
		require.Equal(t, "abc123", event.ID)
		require.Equal(t, "hello", event.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}
