// Package notify fans a small set of operational events — key failures,
// maintenance transitions, admin overrides, router fallbacks — out to every
// configured sink. A sink failure is logged and never propagates: nothing in
// the system blocks on a notification landing.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/coreserver/internal/config"
)

// Event names the notification contract fixes (§4.5, §4.6).
type Event string

const (
	EventAPIKeyFailure        Event = "api_key_failure"
	EventMaintenanceTriggered Event = "maintenance_triggered"
	EventAdminOverride        Event = "admin_override"
	EventFallback             Event = "fallback"
)

// Notification is the uniform payload every sink renders in its own format.
type Notification struct {
	Event     Event
	Summary   string // one-line, for chat-ops sinks (Discord/Telegram)
	Fields    map[string]string
	Timestamp time.Time
}

// Sink delivers a Notification through one channel.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans a Notification out to every configured sink concurrently,
// handing each sink a context bounded by the per-sink timeout; failures are
// logged at error level. Only the webhook sink observes that context; the
// email, Discord and Telegram sinks run to completion regardless of it.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
}

const defaultSinkTimeout = 15 * time.Second

// NewDispatcher builds sinks from whichever of SMTP/webhook/Discord/Telegram
// is configured; an unconfigured sink is simply omitted, not an error.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	d := &Dispatcher{timeout: defaultSinkTimeout}

	if cfg.SMTP != nil && len(cfg.Recipients) > 0 {
		d.sinks = append(d.sinks, newEmailSink(*cfg.SMTP, cfg.Recipients))
	}
	if cfg.WebhookURL != "" {
		d.sinks = append(d.sinks, newWebhookSink(cfg.WebhookURL))
	}
	if cfg.Discord != nil {
		d.sinks = append(d.sinks, newDiscordSink(*cfg.Discord))
	}
	if cfg.Telegram != nil {
		d.sinks = append(d.sinks, newTelegramSink(*cfg.Telegram))
	}

	return d
}

// Dispatch sends n to every sink. It returns once every sink's Send has
// returned (a context-aware sink returns by its timeout); the triggering operation should not await
// this call on its own critical path (call it in a goroutine) unless it
// already treats notification delivery as fire-and-forget.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var wg sync.WaitGroup
	for _, s := range d.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := s.Send(sendCtx, n); err != nil {
				slog.Error("notification sink failed", "event", n.Event, "error", err)
			}
		}(s)
	}
	wg.Wait()
}
