package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification 封装一次聚合器滞后告警的上下文。
type Notification struct {
	Chain         string
	Phase         string
	LastUpdated   time.Time
	Lag           time.Duration
	MaxStaleness  time.Duration
	Recovered     bool
	AdditionalMsg string
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

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify 调用 sendMessage API 推送文本。恢复消息静默发送。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:              n.chatID,
		Text:                renderMessage(note),
		DisableNotification: note.Recovered,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := n.baseURL + "/bot" + n.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result sendMessageResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&result)
	switch {
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("telegram 响应码异常: %d %s", resp.StatusCode, result.Description)
	case decodeErr == nil && !result.OK:
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Str("chain", note.Chain).
		Bool("recovered", note.Recovered).
		Dur("lag", note.Lag).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	if note.Recovered {
		b.WriteString("[gasavg] aggregator recovered\n")
	} else {
		b.WriteString("[gasavg] aggregator stale\n")
	}
	fmt.Fprintf(&b, "Chain: %s\n", note.Chain)
	if note.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", note.Phase)
	}
	if note.LastUpdated.IsZero() {
		b.WriteString("Last sample: never\n")
	} else {
		fmt.Fprintf(&b, "Last sample: %s UTC\n", note.LastUpdated.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Lag: %s (max %s)\n", note.Lag.Truncate(time.Second), note.MaxStaleness)
	if note.AdditionalMsg != "" {
		b.WriteString(note.AdditionalMsg)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
