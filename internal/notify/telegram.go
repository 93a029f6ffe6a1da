package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/batalabs/agentd/internal/bus"
	"github.com/batalabs/agentd/internal/config"
	"github.com/batalabs/agentd/internal/domain"
)

// maxNotifyLen bounds one push message, well under Telegram's 4096 cap.
const maxNotifyLen = 1000

// Notifier forwards selected agent events to Telegram chats: permission
// prompts, final replies, and errors. It subscribes to the full event stream,
// so an operator away from the browser still sees when the agent needs
// attention.
type Notifier struct {
	bot     *tgbotapi.BotAPI
	cfg     config.TelegramConfig
	bus     *bus.Bus
	limiter *rate.Limiter
	logf    func(format string, args ...any)
}

type botLogger struct {
	logf func(format string, args ...any)
}

func (l botLogger) Println(v ...interface{}) {
	l.logf("telegram_api: %s", strings.TrimSpace(fmt.Sprint(v...)))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logf("telegram_api: "+format, v...)
}

// New connects the bot. logf receives diagnostics and the library's own
// polling noise (transient 502s etc); nil discards them.
func New(cfg config.TelegramConfig, b *bus.Bus, logf func(string, ...any)) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("connecting to Telegram: %w", err)
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if err := tgbotapi.SetLogger(botLogger{logf: logf}); err != nil {
		logf("notify: set telegram logger: %v", err)
	}
	return &Notifier{
		bot:     bot,
		cfg:     cfg,
		bus:     b,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		logf:    logf,
	}, nil
}

// BotName returns the bot's username (without the @ prefix).
func (n *Notifier) BotName() string { return n.bot.Self.UserName }

// Run forwards events until the context ends. A stale subscription (queue
// overflow) is reopened; notifications missed in between are not replayed.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		sub := n.bus.Subscribe("")
		again, err := n.pump(ctx, sub)
		n.bus.Unsubscribe(sub)
		if !again {
			return err
		}
	}
}

func (n *Notifier) pump(ctx context.Context, sub *bus.Subscriber) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-sub.Stale:
			n.logf("notify: event queue overflowed, resubscribing")
			return true, nil
		case ev, ok := <-sub.Events:
			if !ok {
				return false, nil
			}
			text, notify := Render(ev)
			if !notify {
				continue
			}
			if !n.limiter.Allow() {
				continue
			}
			for _, chatID := range n.cfg.ChatIDs {
				if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
					n.logf("notify: send to %d: %v", chatID, err)
				}
			}
		}
	}
}

// Render formats one event as a push message. The second return is false for
// event types that never notify. Sub-agent traffic uses its own event types
// and stays quiet; only top-level prompts, replies, and failures go out.
func Render(ev domain.Event) (string, bool) {
	switch ev.Type {
	case domain.EventToolCall:
		status, _ := ev.Payload["status"].(string)
		if status != domain.ToolCallPermissionRequired {
			return "", false
		}
		name, _ := ev.Payload["tool_name"].(string)
		if name == "" {
			name = "a tool"
		}
		return fmt.Sprintf("[%s] Permission needed for %s. Open the UI to approve or deny.", ev.SessionID, name), true
	case domain.EventFinal:
		text, _ := ev.Payload["text"].(string)
		text = strings.TrimSpace(text)
		if text == "" {
			return "", false
		}
		return fmt.Sprintf("[%s] %s", ev.SessionID, clip(text, maxNotifyLen)), true
	case domain.EventError:
		msg, _ := ev.Payload["message"].(string)
		code, _ := ev.Payload["code"].(string)
		if code == "cancelled" {
			// User-initiated; they already know.
			return "", false
		}
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("[%s] Error: %s", ev.SessionID, clip(msg, maxNotifyLen)), true
	default:
		return "", false
	}
}

// clip truncates to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
