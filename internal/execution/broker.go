package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"skewhunter/internal/model"

	"github.com/sony/gobreaker"
)

// Broker names.
const (
	BrokerUpstox = "upstox"
	BrokerDhan   = "dhan"
	BrokerPaper  = "paper"
)

var (
	// ErrOrderNotFound is returned by OrderStatus when the broker has no
	// order for the reference.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidCredentials is returned when the broker refuses the token.
	ErrInvalidCredentials = errors.New("invalid broker credentials")
)

// Credentials authenticate against a broker.
type Credentials struct {
	AccessToken string `json:"accessToken"`
	ClientID    string `json:"clientId,omitempty"`
}

// Identity is what a successful credential check reports.
type Identity struct {
	Broker string `json:"broker"`
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// BrokerOrder is a market order in broker-neutral form.
type BrokerOrder struct {
	Symbol      string
	Side        model.Side
	Strike      int
	Expiry      string
	Qty         int
	Transaction string // BUY or SELL
	Price       float64
	Product     string
	Tag         string
}

// OrderState is the normalised broker order state.
type OrderState string

const (
	StateOpen      OrderState = "open"
	StateFilled    OrderState = "filled"
	StateRejected  OrderState = "rejected"
	StateCancelled OrderState = "cancelled"
)

// BrokerStatus is a normalised order status.
type BrokerStatus struct {
	OrderID   string
	Tag       string
	State     OrderState
	FilledQty int
	AvgPrice  float64
	Message   string
}

// Broker is a broker-specific order client. OrderStatus accepts a ref
// with either OrderID or Tag set.
type Broker interface {
	Name() string
	Validate(ctx context.Context) (Identity, error)
	PlaceOrder(ctx context.Context, o BrokerOrder) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, ref model.OrderRef) (BrokerStatus, error)
}

// NewBroker builds the named broker client.
func NewBroker(name string, creds Credentials, baseURL string, timeout time.Duration) (Broker, error) {
	switch name {
	case BrokerUpstox:
		return NewUpstox(baseURL, creds, timeout), nil
	case BrokerDhan:
		return NewDhan(baseURL, creds, timeout), nil
	case BrokerPaper:
		return NewPaper(), nil
	}
	return nil, fmt.Errorf("unknown broker %q", name)
}

// APIError is a non-2xx broker response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker status %d: %s", e.Status, e.Message)
}

// transient reports whether err is worth retrying.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// jsonClient is the HTTP transport shared by the REST brokers.
type jsonClient struct {
	base   string
	client *http.Client
	auth   func(*http.Request)
}

func newJSONClient(base string, timeout time.Duration, auth func(*http.Request)) *jsonClient {
	return &jsonClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
		auth:   auth,
	}
}

func (c *jsonClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, strings.TrimSpace(string(data)))
	case resp.StatusCode == http.StatusNotFound:
		return ErrOrderNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// TradingSymbol formats the exchange symbol for an index option,
// e.g. NIFTY26MAR22050CE.
func TradingSymbol(underlying, expiry string, strike int, side model.Side) string {
	t, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return fmt.Sprintf("%s%d%s", underlying, strike, side.OptionType())
	}
	return fmt.Sprintf("%s%s%d%s", underlying, strings.ToUpper(t.Format("06Jan")), strike, side.OptionType())
}
