package notifications

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/switchbox-controller/internal/config"
	"github.com/thatsimonsguy/switchbox-controller/internal/env"
)

func setup(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origURL, origCfg := baseURL, env.Cfg
	t.Cleanup(func() {
		baseURL, env.Cfg = origURL, origCfg
		initialized = false
	})

	baseURL = srv.URL
	env.Cfg = &config.Config{NtfyTopic: "switchbox-test"}
	Init()
}

func TestSendPostsToTopic(t *testing.T) {
	var path string
	var body map[string]interface{}
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, Send("title", "message"))
	assert.Equal(t, "/switchbox-test", path)
	assert.Equal(t, "title", body["title"])
	assert.Equal(t, "message", body["message"])
}

func TestSendNonSuccessStatus(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	assert.ErrorContains(t, Send("title", "message"), "429")
}

func TestLinkDownMessage(t *testing.T) {
	var body map[string]interface{}
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	})

	LinkDown("box1", "/dev/ttyUSB0", errors.New("timeout"))
	assert.Equal(t, "Switch box offline", body["title"])
	assert.Contains(t, body["message"], "box1")
}

func TestDisabledWithoutTopic(t *testing.T) {
	origCfg := env.Cfg
	defer func() { env.Cfg = origCfg }()
	env.Cfg = &config.Config{}
	initialized = false

	Init()
	assert.False(t, Enabled())
	assert.Error(t, Send("title", "message"))
	LinkUp("box1", "/dev/ttyUSB0")
}
