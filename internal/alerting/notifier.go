package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Incident kinds.
const (
	KindPartialWrite    = "partial_write"
	KindStoreDown       = "store_unavailable"
	KindWriteRejected   = "write_rejected"
	KindScheduleOverdue = "schedule_overdue"
	KindFatal           = "fatal"
)

// maxListedKeys caps how many residual keys a message lists.
const maxListedKeys = 5

// Notification 封装事件上下文。
type Notification struct {
	At        time.Time
	Kind      string
	Pair      string
	Timeframe string
	Stage     string
	Summary   string
	Keys      []string
	Detail    string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Time("at", note.At).
		Str("kind", note.Kind).
		Str("stage", note.Stage).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[candlesync %s]\n", note.Kind))
	if note.Pair != "" {
		builder.WriteString(fmt.Sprintf("Series: %s %s\n", note.Pair, note.Timeframe))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.Stage != "" {
		builder.WriteString(fmt.Sprintf("Stage: %s\n", note.Stage))
	}
	if note.Summary != "" {
		builder.WriteString(note.Summary + "\n")
	}
	if len(note.Keys) > 0 {
		listed := note.Keys
		if len(listed) > maxListedKeys {
			listed = listed[:maxListedKeys]
		}
		builder.WriteString(fmt.Sprintf("Keys (%d): %s", len(note.Keys), strings.Join(listed, ", ")))
		if len(note.Keys) > maxListedKeys {
			builder.WriteString(", ...")
		}
		builder.WriteString("\n")
	}
	if note.Detail != "" {
		builder.WriteString(note.Detail)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
