package notifier

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "crontick/pkg/logx"
)

// LogSink writes every notification to the log.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Log.Info("notification",
		logx.String("type", string(n.Type)),
		logx.String("title", n.Title),
		logx.String("content", n.Content),
		logx.Any("fields", n.Fields),
	)
	return nil
}

// DesktopSink pops a native notification through the platform's command
// line notifier: notify-send (Linux), osascript (macOS) or msg (Windows).
type DesktopSink struct {
	AppName string
	GOOS    string
	// Run executes the command; defaults to exec.CommandContext(...).Run.
	Run func(ctx context.Context, name string, args ...string) error
}

func (DesktopSink) Name() string { return "desktop" }

func (s DesktopSink) Send(ctx context.Context, n Notification) error {
	name, args, err := s.Command(n)
	if err != nil {
		return err
	}
	run := s.Run
	if run == nil {
		run = runCommand
	}
	return run(ctx, name, args...)
}

// Command returns the program and arguments used for n.
func (s DesktopSink) Command(n Notification) (string, []string, error) {
	title := n.Title
	if title == "" {
		title = s.AppName
	}
	if title == "" {
		title = "crontick"
	}
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		args := []string{"-u", urgency(n.Type)}
		if s.AppName != "" {
			args = append(args, "-a", s.AppName)
		}
		return "notify-send", append(args, title, n.Content), nil
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s", appleQuote(n.Content), appleQuote(title))
		return "osascript", []string{"-e", script}, nil
	case "windows":
		return "msg", []string{"*", title + ": " + n.Content}, nil
	}
	return "", nil, fmt.Errorf("desktop notifications unsupported on %s", goos)
}

func urgency(t Type) string {
	switch t {
	case TypeError:
		return "critical"
	case TypeWarning:
		return "normal"
	default:
		return "low"
	}
}

func appleQuote(s string) string {
	return strconv.Quote(strings.ReplaceAll(s, "\n", " "))
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
}

// TelegramSink posts notifications to one chat.
type TelegramSink struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(_ context.Context, n Notification) error {
	_, err := s.bot.Send(s.chat, FormatText(n), &tele.SendOptions{
		ThreadID:              s.thread,
		DisableWebPagePreview: true,
	})
	return err
}

// FormatText renders n as plain text with a type marker.
func FormatText(n Notification) string {
	var b strings.Builder
	switch n.Type {
	case TypeError:
		b.WriteString("🚨 ")
	case TypeWarning:
		b.WriteString("⚠️ ")
	case TypeSuccess:
		b.WriteString("✅ ")
	default:
		b.WriteString("ℹ️ ")
	}
	if n.Title != "" {
		b.WriteString(n.Title)
		if n.Content != "" {
			b.WriteString("\n")
		}
	}
	b.WriteString(n.Content)
	return b.String()
}
