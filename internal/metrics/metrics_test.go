package metrics

import (
	"testing"
	"time"

	"skewhunter/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Tick(20*time.Millisecond, true, model.StatusTrading)
	r.Tick(10*time.Millisecond, false, model.StatusScanning)
	r.Entry(model.SideCall, model.PathBuying)
	r.Exit(model.ExitTrailingStop)
	r.Order("entry", model.OrderFilled)
	r.Session(model.SessionState{TradesToday: 2, DailyPnL: 1040})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ticks))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.feedLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.status.WithLabelValues("SCANNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.status.WithLabelValues("TRADING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.entries.WithLabelValues("CALL", "BUYING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.exits.WithLabelValues("trailing_stop")))
	assert.Equal(t, 1040.0, testutil.ToFloat64(r.dailyPnL))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.tradesToday))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Tick(time.Millisecond, true, model.StatusStopped)
		r.Session(model.SessionState{})
		r.Entry(model.SidePut, model.PathWriting)
		r.Exit(model.ExitManual)
		r.Order("exit", model.OrderRejected)
		r.Subscribers(3)
	})
}
