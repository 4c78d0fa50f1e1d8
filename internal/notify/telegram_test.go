package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func closedTrade() model.Trade {
	entry := time.Date(2026, 3, 4, 10, 31, 0, 0, ist)
	exit := entry.Add(2*time.Minute + 5*time.Second)
	return model.Trade{
		ID: 1, Side: model.SideCall, Strike: 22100, Qty: 65,
		EntryPrice: 100, EntryTime: entry, Stop: 80, Confidence: 72,
		SignalPath:  model.PathBuying,
		EntryRegime: model.Regime{Name: "normal"},
		ExitPrice:   116, ExitTime: &exit, ExitReason: model.ExitTrailingStop,
		PnL: 1040, PnLPct: 16,
	}
}

func testNotifyConfig(url string) config.NotifyConfig {
	return config.NotifyConfig{BaseURL: url, Timeout: time.Second, QueueSize: 4, PerSecond: 100}
}

func TestTelegramDeliversToEveryChat(t *testing.T) {
	got := make(chan sendMessage, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		var m sendMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		got <- m
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(testNotifyConfig(srv.URL), "123:abc", []string{"111", "222"}, ist, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tg.Run(ctx)

	tg.TradeClosed(closedTrade())

	var chats []string
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			chats = append(chats, m.ChatID)
			assert.Equal(t, "Markdown", m.ParseMode)
			assert.Contains(t, m.Text, "TRAILING STOP")
			assert.Contains(t, m.Text, "+₹1040.00")
		case <-time.After(2 * time.Second):
			t.Fatal("alert not delivered")
		}
	}
	assert.Equal(t, []string{"111", "222"}, chats)
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(testNotifyConfig(srv.URL), "123:abc", []string{"999"}, ist, zap.NewNop())
	require.NoError(t, err)
	err = tg.send(context.Background(), "999", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramQueueDropsWhenFull(t *testing.T) {
	tg, err := NewTelegram(testNotifyConfig("http://127.0.0.1:1"), "123:abc", []string{"1"}, ist, zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			tg.TradeOpened(closedTrade())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked")
	}
	assert.Len(t, tg.queue, 4)
}

func TestNewTelegramRequiresCredentials(t *testing.T) {
	_, err := NewTelegram(testNotifyConfig("http://x"), "", []string{"1"}, ist, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewTelegram(testNotifyConfig("http://x"), "tok", nil, ist, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFormatMessages(t *testing.T) {
	tr := closedTrade()

	opened := FormatOpened(tr, ist)
	assert.Contains(t, opened, "*CALL* 22100 CE x65")
	assert.Contains(t, opened, "Entry: ₹100.00")
	assert.Contains(t, opened, "Confidence: 72%")
	assert.Contains(t, opened, "Time: 10:31:00")

	closed := FormatClosed(tr, ist)
	assert.Contains(t, closed, "Exit: ₹116.00")
	assert.Contains(t, closed, "(+16.0%)")
	assert.Contains(t, closed, "Duration: 2m5s")

	tr.PnL, tr.PnLPct, tr.ExitReason = -650, -10, "weird"
	closed = FormatClosed(tr, ist)
	assert.Contains(t, closed, "PnL: ₹-650.00 (-10.0%)")
	assert.Contains(t, closed, "EXIT: WEIRD")
}
