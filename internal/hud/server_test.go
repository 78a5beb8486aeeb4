package hud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/groove/internal/logger"
	"github.com/andresmejia3/groove/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	s := New(nil)
	resp, err := s.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok","clients":0}`, string(body))
}

func TestSessionSnapshot(t *testing.T) {
	s := New(nil)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/sessions/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)

	updates := make(chan session.Update, 2)
	updates <- session.Update{SessionID: "abc", State: "running", Score: 1.5, Tick: 3}
	updates <- session.Update{SessionID: "abc", State: "expired", Score: 2.25, Tick: 4, Message: "Game Over!"}
	close(updates)
	s.Consume(context.Background(), updates)

	resp, err = s.App().Test(httptest.NewRequest("GET", "/api/sessions/abc", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var u session.Update
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.Equal(t, "expired", u.State)
	assert.Equal(t, 2.25, u.Score)
	assert.Equal(t, 4, u.Tick)
}

type fakeController struct {
	requested []string
}

func (f *fakeController) RequestArchitecture(arch string) error {
	if arch != "1.01" {
		return errors.New("unknown architecture")
	}
	f.requested = append(f.requested, arch)
	return nil
}

func TestArchitectureRequest(t *testing.T) {
	s := New(nil)
	ctrl := &fakeController{}
	s.Attach("abc", ctrl)

	post := func(id, body string) int {
		req := httptest.NewRequest("POST", "/api/sessions/"+id+"/architecture", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.App().Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, 404, post("missing", `{"architecture":"1.01"}`))
	assert.Equal(t, 400, post("abc", `{"architecture":"2.00"}`))
	assert.Equal(t, 400, post("abc", `not json`))
	assert.Equal(t, 202, post("abc", `{"architecture":"1.01"}`))
	assert.Equal(t, []string{"1.01"}, ctrl.requested)
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	s := New(nil)
	resp, err := s.App().Test(httptest.NewRequest("GET", "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, 426, resp.StatusCode)
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	fast := &Client{hub: h, Send: make(chan []byte, 4)}
	slow := &Client{hub: h, Send: make(chan []byte)}
	h.register <- fast
	h.register <- slow
	require.Eventually(t, func() bool { return h.Clients() == 2 }, time.Second, 5*time.Millisecond)

	h.Broadcast([]byte(`{"type":"score"}`))
	assert.Equal(t, `{"type":"score"}`, string(<-fast.Send))

	// The unbuffered client could not take the message and is dropped
	assert.Equal(t, 1, h.Clients())
	_, open := <-slow.Send
	assert.False(t, open)

	cancel()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
	_, open = <-fast.Send
	assert.False(t, open)
}
