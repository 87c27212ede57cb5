// Package alert delivers operator notifications through the Telegram bot
// API. Delivery is best effort, failures never propagate.
package alert

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/edge-agent/config"
)

const (
	sendTimeout = 10 * time.Second

	// minimum spacing between alerts of the same kind
	alertCooldown = 5 * time.Minute
)

const apiBase = "https://api.telegram.org"

// Notifier sends alerts to one chat. A notifier with empty credentials is
// disabled and drops everything silently.
type Notifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	log      zerolog.Logger
	now      func() time.Time

	mutex    sync.Mutex
	lastSent map[string]time.Time
}

// NewNotifier creates the notifier from the telegram config.
func NewNotifier(conf config.TelegramConfig) *Notifier {
	return &Notifier{
		botToken: conf.BotToken,
		chatID:   conf.ChatID,
		baseURL:  apiBase,
		client:   &http.Client{Timeout: sendTimeout},
		log:      log.With().Str("context", "alert").Logger(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Enabled reports whether credentials are configured.
func (n *Notifier) Enabled() bool {
	return n.botToken != "" && n.chatID != ""
}

// SendDegradedAlert announces the switch to low quality.
func (n *Notifier) SendDegradedAlert(mbps, threshold float64) {
	message := fmt.Sprintf(
		"⚠️ <b>Network Speed Alert</b>\n\nUpload speed: <b>%.2f Mbps</b>\nThreshold: %g Mbps\n\nSwitching to low quality mode...",
		mbps, threshold)
	n.send("network_slow", message)
}

// SendRecoveredAlert announces the switch back to normal quality.
func (n *Notifier) SendRecoveredAlert(mbps float64) {
	message := fmt.Sprintf(
		"✅ <b>Network Recovered</b>\n\nUpload speed: <b>%.2f Mbps</b>\n\nSwitching back to normal quality...",
		mbps)
	n.send("network_recovered", message)
}

// send delivers one alert in the background, respecting the per-kind
// cooldown.
func (n *Notifier) send(kind, message string) {
	if !n.Enabled() {
		return
	}
	if !n.claim(kind) {
		n.log.Debug().Str("kind", kind).Msg("alert suppressed by cooldown")
		return
	}
	go func() {
		if err := n.deliver(message); err != nil {
			n.log.Warn().Err(err).Str("kind", kind).Msg("alert delivery failed")
			n.release(kind)
		}
	}()
}

// claim reserves a send slot for kind. Returns false while the cooldown
// for that kind is still running.
func (n *Notifier) claim(kind string) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	now := n.now()
	if last, ok := n.lastSent[kind]; ok && now.Sub(last) < alertCooldown {
		return false
	}
	n.lastSent[kind] = now
	return true
}

// release undoes a claim after a failed delivery so the next edge can
// retry immediately.
func (n *Notifier) release(kind string) {
	n.mutex.Lock()
	delete(n.lastSent, kind)
	n.mutex.Unlock()
}

func (n *Notifier) deliver(message string) error {
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", "🚨 Edge Agent Alert\n\n"+message)
	form.Set("parse_mode", "HTML")

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.baseURL+"/bot"+n.botToken+"/sendMessage",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}
	n.log.Info().Msg("telegram alert sent")
	return nil
}
