package alert

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/voc/edge-agent/config"
)

func testNotifier(t *testing.T, handler http.HandlerFunc) *Notifier {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "42"})
	n.baseURL = server.URL
	return n
}

func TestDeliverPostsMessage(t *testing.T) {
	t.Parallel()
	var path, chat, text atomic.Value
	n := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		assert.NilError(t, r.ParseForm())
		chat.Store(r.FormValue("chat_id"))
		text.Store(r.FormValue("text"))
	})

	assert.NilError(t, n.deliver("hello"))
	assert.Equal(t, path.Load(), "/bottoken/sendMessage")
	assert.Equal(t, chat.Load(), "42")
	assert.Assert(t, strings.Contains(text.Load().(string), "hello"))
}

func TestCooldownPerKind(t *testing.T) {
	t.Parallel()
	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "42"})
	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }

	assert.Assert(t, n.claim("network_slow"))
	assert.Assert(t, !n.claim("network_slow"))

	// a different kind has its own cooldown
	assert.Assert(t, n.claim("network_recovered"))

	// still cooling down just before the five minute mark
	now = now.Add(alertCooldown - time.Second)
	assert.Assert(t, !n.claim("network_slow"))

	now = now.Add(2 * time.Second)
	assert.Assert(t, n.claim("network_slow"))
}

func TestReleaseAllowsRetry(t *testing.T) {
	t.Parallel()
	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "42"})

	assert.Assert(t, n.claim("network_slow"))
	n.release("network_slow")
	assert.Assert(t, n.claim("network_slow"))
}

func TestDisabledNotifierDropsAlerts(t *testing.T) {
	t.Parallel()
	n := NewNotifier(config.TelegramConfig{})
	assert.Assert(t, !n.Enabled())

	// must not panic or attempt delivery
	n.SendDegradedAlert(1.5, 2)
	n.SendRecoveredAlert(3)
}

func TestDeliverRejectsErrorStatus(t *testing.T) {
	t.Parallel()
	n := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	assert.ErrorContains(t, n.deliver("hello"), "status 403")
}
