package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Deliverer hands a finished message to a user. Implementations own the
// transport; callers only await the outcome for error handling.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, message string) error
}

// TelegramDeliverer 通过 Telegram Bot API 推送消息，chat_id 即 userID。
type TelegramDeliverer struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramDeliverer 构造 Telegram 推送通道。
func NewTelegramDeliverer(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramDeliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramDeliverer{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "deliver_telegram").Logger(),
	}
}

// Deliver 调用 sendMessage API 推送文本。
func (d *TelegramDeliverer) Deliver(ctx context.Context, userID int64, message string) error {
	payload := map[string]string{
		"chat_id": strconv.FormatInt(userID, 10),
		"text":    message,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", d.baseURL, d.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
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

	d.logger.Debug().Int64("user_id", userID).Msg("推送已发送 (Telegram)")
	return nil
}

var _ Deliverer = (*TelegramDeliverer)(nil)
