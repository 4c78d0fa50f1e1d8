package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	mu      sync.Mutex
	place   func(o BrokerOrder) (string, error)
	status  func(ref model.OrderRef) (BrokerStatus, error)
	cancel  func(id string) error
	placed  int
	queried int
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) Validate(context.Context) (Identity, error) {
	return Identity{Broker: "fake", UserID: "u1"}, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, o BrokerOrder) (string, error) {
	f.mu.Lock()
	f.placed++
	f.mu.Unlock()
	return f.place(o)
}

func (f *fakeBroker) CancelOrder(_ context.Context, id string) error {
	if f.cancel == nil {
		return nil
	}
	return f.cancel(id)
}

func (f *fakeBroker) OrderStatus(_ context.Context, ref model.OrderRef) (BrokerStatus, error) {
	f.mu.Lock()
	f.queried++
	f.mu.Unlock()
	return f.status(ref)
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		CallTimeout: time.Second, FillTimeout: 3 * time.Second, PollInterval: time.Second,
		MaxAttempts: 3, BackoffBase: 500 * time.Millisecond,
		BreakerFailures: 5, BreakerCooldown: time.Minute, ProductType: "I",
	}
}

// newTestReal returns a Real whose sleeps advance a fake clock.
func newTestReal(b Broker, cfg config.ExecutionConfig) (*Real, *[]time.Duration) {
	r := NewReal(b, cfg, "NIFTY", zap.NewNop())
	clock := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	var slept []time.Duration
	r.now = func() time.Time { return clock }
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}
	r.newTag = func() string { return "shtag" }
	return r, &slept
}

var entryReq = EntryRequest{Side: model.SideCall, Instrument: "NIFTY 20260310 22050 CE", Strike: 22050, Expiry: "2026-03-10", Qty: 65, LTP: 101.5}

func TestInactiveAndSimulated(t *testing.T) {
	res := Inactive{}.PlaceEntry(context.Background(), entryReq)
	assert.Equal(t, model.OrderNoop, res.Status)

	res = Simulated{}.PlaceEntry(context.Background(), entryReq)
	assert.Equal(t, model.OrderFilled, res.Status)
	assert.Equal(t, 101.5, res.FillPrice)
	assert.Equal(t, 65, res.FillQty)

	res = Simulated{}.PlaceExit(context.Background(), ExitRequest{LTP: 117, Qty: 65, Reason: model.ExitTrailingStop})
	assert.Equal(t, 117.0, res.FillPrice)
}

func TestRealPaperFill(t *testing.T) {
	r, _ := newTestReal(NewPaper(), testExecConfig())
	res := r.PlaceEntry(context.Background(), entryReq)
	require.Equal(t, model.OrderFilled, res.Status)
	assert.Equal(t, 101.5, res.FillPrice)
	assert.Equal(t, "PAPER-000001", res.Ref.OrderID)
	assert.Equal(t, "shtag", res.Ref.Tag)
}

func TestRealTimedOutSubmitIsLookedUpNotResent(t *testing.T) {
	b := &fakeBroker{
		place: func(BrokerOrder) (string, error) { return "", context.DeadlineExceeded },
		status: func(ref model.OrderRef) (BrokerStatus, error) {
			return BrokerStatus{OrderID: "OID-7", Tag: ref.Tag, State: StateFilled, FilledQty: 65, AvgPrice: 102}, nil
		},
	}
	r, _ := newTestReal(b, testExecConfig())

	res := r.PlaceEntry(context.Background(), entryReq)
	require.Equal(t, model.OrderFilled, res.Status)
	assert.Equal(t, "OID-7", res.Ref.OrderID)
	assert.Equal(t, 102.0, res.FillPrice)
	assert.Equal(t, 1, b.placed)
}

func TestRealRetriesTransientWithBackoff(t *testing.T) {
	calls := 0
	b := &fakeBroker{
		place: func(BrokerOrder) (string, error) {
			calls++
			if calls < 3 {
				return "", &APIError{Status: 503, Message: "busy"}
			}
			return "OID-1", nil
		},
		status: func(ref model.OrderRef) (BrokerStatus, error) {
			if ref.OrderID == "" {
				return BrokerStatus{}, ErrOrderNotFound
			}
			return BrokerStatus{OrderID: ref.OrderID, State: StateFilled, FilledQty: 65, AvgPrice: 100}, nil
		},
	}
	r, slept := newTestReal(b, testExecConfig())

	res := r.PlaceEntry(context.Background(), entryReq)
	require.Equal(t, model.OrderFilled, res.Status)
	assert.Equal(t, 3, b.placed)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestRealRetriesExhaustedIsUnconfirmed(t *testing.T) {
	b := &fakeBroker{
		place:  func(BrokerOrder) (string, error) { return "", &APIError{Status: 503, Message: "busy"} },
		status: func(model.OrderRef) (BrokerStatus, error) { return BrokerStatus{}, ErrOrderNotFound },
	}
	r, slept := newTestReal(b, testExecConfig())

	exit := r.PlaceExit(context.Background(), ExitRequest{Strike: 22050, Expiry: "2026-03-10", Qty: 65, LTP: 90, Reason: model.ExitInitialStop})
	assert.Equal(t, model.OrderUnconfirmed, exit.Status)
	assert.Equal(t, "shtag", exit.Ref.Tag)
	assert.Contains(t, exit.Message, "after 3 attempts")
	assert.Equal(t, 3, b.placed)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)

	entry := r.PlaceEntry(context.Background(), entryReq)
	assert.Equal(t, model.OrderUnconfirmed, entry.Status)
	assert.Equal(t, "shtag", entry.Ref.Tag)

	// A later lookup that still finds nothing settles it as never placed.
	assert.Equal(t, model.OrderRejected, r.Reconcile(context.Background(), entry.Ref).Status)
}

func TestRealPermanentRejection(t *testing.T) {
	b := &fakeBroker{
		place:  func(BrokerOrder) (string, error) { return "", &APIError{Status: 400, Message: "insufficient funds"} },
		status: func(model.OrderRef) (BrokerStatus, error) { return BrokerStatus{}, ErrOrderNotFound },
	}
	r, _ := newTestReal(b, testExecConfig())

	res := r.PlaceEntry(context.Background(), entryReq)
	assert.Equal(t, model.OrderRejected, res.Status)
	assert.Contains(t, res.Message, "insufficient funds")
	assert.Equal(t, 1, b.placed)
}

func TestRealFillTimeout(t *testing.T) {
	cancelled := ""
	b := &fakeBroker{
		place: func(BrokerOrder) (string, error) { return "OID-9", nil },
		status: func(ref model.OrderRef) (BrokerStatus, error) {
			return BrokerStatus{OrderID: ref.OrderID, State: StateOpen}, nil
		},
		cancel: func(id string) error { cancelled = id; return nil },
	}
	r, _ := newTestReal(b, testExecConfig())

	exit := r.PlaceExit(context.Background(), ExitRequest{Strike: 22050, Expiry: "2026-03-10", Qty: 65, LTP: 90, Reason: model.ExitInitialStop})
	assert.Equal(t, model.OrderUnconfirmed, exit.Status)
	assert.Equal(t, "OID-9", exit.Ref.OrderID)
	assert.Empty(t, cancelled)

	entry := r.PlaceEntry(context.Background(), entryReq)
	assert.Equal(t, model.OrderRejected, entry.Status)
	assert.Equal(t, "OID-9", cancelled)
}

func TestRealBreakerOpensOnRepeatedFaults(t *testing.T) {
	cfg := testExecConfig()
	cfg.BreakerFailures = 2
	b := &fakeBroker{
		place:  func(BrokerOrder) (string, error) { return "", nil },
		status: func(model.OrderRef) (BrokerStatus, error) { return BrokerStatus{}, &APIError{Status: 502} },
	}
	r, _ := newTestReal(b, cfg)
	ref := model.OrderRef{OrderID: "OID-1"}

	for i := 0; i < 2; i++ {
		assert.Equal(t, model.OrderUnconfirmed, r.Reconcile(context.Background(), ref).Status)
	}
	res := r.Reconcile(context.Background(), ref)
	assert.Equal(t, model.OrderUnconfirmed, res.Status)
	assert.Contains(t, res.Message, "circuit breaker is open")
	assert.Equal(t, 2, b.queried)
}

func TestUpstoxClient(t *testing.T) {
	var placed map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/user/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234","user_name":"Trader"}}`))
	})
	mux.HandleFunc("/order/place", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&placed)
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"2603040001"}}`))
	})
	mux.HandleFunc("/order/retrieve-all", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[
			{"order_id":"2603040001","tag":"shabc","status":"complete","filled_quantity":65,"average_price":101.2}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u := NewUpstox(srv.URL, Credentials{AccessToken: "tok"}, time.Second)
	id, err := u.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AB1234", id.UserID)

	oid, err := u.PlaceOrder(context.Background(), BrokerOrder{Symbol: "NIFTY26MAR22050CE", Qty: 65, Transaction: "BUY", Product: "I", Tag: "shabc"})
	require.NoError(t, err)
	assert.Equal(t, "2603040001", oid)
	assert.Equal(t, "NSE_FO|NIFTY26MAR22050CE", placed["instrument_token"])
	assert.Equal(t, "shabc", placed["tag"])

	st, err := u.OrderStatus(context.Background(), model.OrderRef{Tag: "shabc"})
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.State)
	assert.Equal(t, 101.2, st.AvgPrice)

	_, err = u.OrderStatus(context.Background(), model.OrderRef{Tag: "missing"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	bad := NewUpstox(srv.URL, Credentials{AccessToken: "nope"}, time.Second)
	_, err = bad.Validate(context.Background())
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDhanClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("access-token"))
		_, _ = w.Write([]byte(`{"dhanClientId":"1100001"}`))
	})
	mux.HandleFunc("/orders/external/shxyz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orderId":"5201","correlationId":"shxyz","orderStatus":"TRADED","filledQty":65,"averageTradedPrice":99.5}`))
	})
	mux.HandleFunc("/orders/5202", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orderId":"5202","orderStatus":"REJECTED","omsErrorDescription":"RMS: margin"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDhan(srv.URL, Credentials{AccessToken: "tok", ClientID: "1100001"}, time.Second)
	id, err := d.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1100001", id.UserID)

	st, err := d.OrderStatus(context.Background(), model.OrderRef{Tag: "shxyz"})
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.State)
	assert.Equal(t, "5201", st.OrderID)

	st, err = d.OrderStatus(context.Background(), model.OrderRef{OrderID: "5202"})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, st.State)
	assert.Equal(t, model.OrderRejected, statusResult(model.OrderRef{OrderID: "5202"}, st).Status)

	other := NewDhan(srv.URL, Credentials{AccessToken: "tok", ClientID: "999"}, time.Second)
	_, err = other.Validate(context.Background())
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestFactory(t *testing.T) {
	f := Factory{Config: testExecConfig(), Underlying: "NIFTY", Log: zap.NewNop()}

	ex, err := f.New(context.Background(), model.ExecSimulated, "", Credentials{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecSimulated, ex.Mode())

	ex, err = f.New(context.Background(), model.ExecReal, BrokerPaper, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecReal, ex.Mode())

	_, err = f.New(context.Background(), model.ExecReal, "zerodha", Credentials{})
	require.Error(t, err)
	_, err = f.New(context.Background(), "turbo", "", Credentials{})
	require.Error(t, err)
}

func TestTradingSymbolAndTag(t *testing.T) {
	assert.Equal(t, "NIFTY26MAR22050CE", TradingSymbol("NIFTY", "2026-03-10", 22050, model.SideCall))
	assert.Equal(t, "NIFTY21900PE", TradingSymbol("NIFTY", "bad", 21900, model.SidePut))

	tag := newOrderTag()
	assert.Len(t, tag, 20)
	assert.NotEqual(t, tag, newOrderTag())
}
