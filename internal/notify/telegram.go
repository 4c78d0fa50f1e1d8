// Package notify delivers trade alerts to Telegram chats.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned when the bot token or chat list is missing.
var ErrNotConfigured = errors.New("telegram token or chat ids missing")

// Telegram queues alerts and sends them from Run. Enqueueing never blocks;
// alerts are dropped when the queue is full.
type Telegram struct {
	baseURL string
	token   string
	chatIDs []string
	loc     *time.Location
	client  *http.Client
	limiter *rate.Limiter
	queue   chan string
	logger  *zap.Logger
}

// NewTelegram builds a notifier. loc controls the clock shown in messages.
func NewTelegram(cfg config.NotifyConfig, token string, chatIDs []string, loc *time.Location, logger *zap.Logger) (*Telegram, error) {
	if token == "" || len(chatIDs) == 0 {
		return nil, ErrNotConfigured
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Telegram{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   token,
		chatIDs: chatIDs,
		loc:     loc,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), 1),
		queue:   make(chan string, cfg.QueueSize),
		logger:  logger,
	}, nil
}

// TradeOpened alerts on a filled entry.
func (t *Telegram) TradeOpened(tr model.Trade) {
	t.enqueue(FormatOpened(tr, t.loc))
}

// TradeClosed alerts on a closed trade.
func (t *Telegram) TradeClosed(tr model.Trade) {
	t.enqueue(FormatClosed(tr, t.loc))
}

func (t *Telegram) enqueue(msg string) {
	select {
	case t.queue <- msg:
	default:
		t.logger.Warn("notify_queue_full", zap.Int("capacity", cap(t.queue)))
	}
}

// Run sends queued alerts until ctx is done.
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			for _, chat := range t.chatIDs {
				if err := t.limiter.Wait(ctx); err != nil {
					return
				}
				if err := t.send(ctx, chat, msg); err != nil {
					t.logger.Warn("notify_send_failed", zap.String("chat_id", chat), zap.Error(err))
				}
			}
		}
	}
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendMessage{ChatID: chatID, Text: text, ParseMode: "Markdown"})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

var reasonLabels = map[model.ExitReason]string{
	model.ExitEmergency:        "EMERGENCY EXIT",
	model.ExitMTMMaxLoss:       "MTM MAX LOSS",
	model.ExitTrailingStop:     "TRAILING STOP",
	model.ExitInitialStop:      "STOP LOSS",
	model.ExitTime:             "TIME EXIT",
	model.ExitProfitTarget:     "TARGET HIT",
	model.ExitProfitProtection: "PROFIT PROTECTION",
	model.ExitManual:           "MANUAL EXIT",
	model.ExitEngineStop:       "ENGINE STOP",
	model.ExitOrphan:           "ORPHAN EXIT",
}

// FormatOpened renders the entry alert.
func FormatOpened(tr model.Trade, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*SKEW HUNTER ENTRY*\n\n")
	fmt.Fprintf(&b, "*%s* %d %s x%d\n", tr.Side, tr.Strike, tr.Side.OptionType(), tr.Qty)
	fmt.Fprintf(&b, "Entry: ₹%.2f\n", tr.EntryPrice)
	fmt.Fprintf(&b, "Stop: ₹%.2f (%s)\n", tr.Stop, tr.EntryRegime.Name)
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", tr.Confidence)
	fmt.Fprintf(&b, "Path: %s\n", tr.SignalPath)
	fmt.Fprintf(&b, "Time: %s", tr.EntryTime.In(loc).Format("15:04:05"))
	return b.String()
}

// FormatClosed renders the exit alert.
func FormatClosed(tr model.Trade, loc *time.Location) string {
	label, found := reasonLabels[tr.ExitReason]
	if !found {
		label = "EXIT: " + strings.ToUpper(string(tr.ExitReason))
	}
	sign := ""
	if tr.PnL >= 0 {
		sign = "+"
	}
	exitAt := tr.EntryTime
	if tr.ExitTime != nil {
		exitAt = *tr.ExitTime
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*TRADE CLOSED* %s\n\n", label)
	fmt.Fprintf(&b, "%s %d %s x%d\n", tr.Side, tr.Strike, tr.Side.OptionType(), tr.Qty)
	fmt.Fprintf(&b, "Entry: ₹%.2f\nExit: ₹%.2f\n\n", tr.EntryPrice, tr.ExitPrice)
	fmt.Fprintf(&b, "*PnL: %s₹%.2f (%s%.1f%%)*\n", sign, tr.PnL, sign, tr.PnLPct)
	fmt.Fprintf(&b, "Duration: %s\n", exitAt.Sub(tr.EntryTime).Truncate(time.Second))
	fmt.Fprintf(&b, "Time: %s", exitAt.In(loc).Format("15:04:05"))
	return b.String()
}
