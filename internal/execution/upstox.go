package execution

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skewhunter/internal/model"
)

// Upstox talks to the Upstox v2 REST API with a bearer token.
type Upstox struct {
	http *jsonClient
}

// NewUpstox creates an Upstox client.
func NewUpstox(baseURL string, creds Credentials, timeout time.Duration) *Upstox {
	token := creds.AccessToken
	return &Upstox{http: newJSONClient(baseURL, timeout, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})}
}

func (u *Upstox) Name() string { return BrokerUpstox }

type upstoxEnvelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

type upstoxOrder struct {
	OrderID        string  `json:"order_id"`
	Tag            string  `json:"tag"`
	Status         string  `json:"status"`
	FilledQuantity int     `json:"filled_quantity"`
	AveragePrice   float64 `json:"average_price"`
	StatusMessage  string  `json:"status_message"`
}

func (u *Upstox) Validate(ctx context.Context) (Identity, error) {
	var resp upstoxEnvelope[struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}]
	if err := u.http.do(ctx, http.MethodGet, "/user/profile", nil, &resp); err != nil {
		return Identity{}, err
	}
	if resp.Data.UserID == "" {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Broker: BrokerUpstox, UserID: resp.Data.UserID, Name: resp.Data.UserName}, nil
}

func (u *Upstox) PlaceOrder(ctx context.Context, o BrokerOrder) (string, error) {
	body := map[string]any{
		"quantity":           o.Qty,
		"product":            o.Product,
		"validity":           "DAY",
		"price":              0,
		"tag":                o.Tag,
		"instrument_token":   "NSE_FO|" + o.Symbol,
		"order_type":         "MARKET",
		"transaction_type":   o.Transaction,
		"disclosed_quantity": 0,
		"trigger_price":      0,
		"is_amo":             false,
	}
	var resp upstoxEnvelope[struct {
		OrderID string `json:"order_id"`
	}]
	if err := u.http.do(ctx, http.MethodPost, "/order/place", body, &resp); err != nil {
		return "", err
	}
	if resp.Data.OrderID == "" {
		return "", errors.New("upstox: empty order id")
	}
	return resp.Data.OrderID, nil
}

func (u *Upstox) CancelOrder(ctx context.Context, orderID string) error {
	return u.http.do(ctx, http.MethodDelete, "/order/cancel?order_id="+url.QueryEscape(orderID), nil, nil)
}

func (u *Upstox) OrderStatus(ctx context.Context, ref model.OrderRef) (BrokerStatus, error) {
	if ref.OrderID != "" {
		var resp upstoxEnvelope[upstoxOrder]
		if err := u.http.do(ctx, http.MethodGet, "/order/details?order_id="+url.QueryEscape(ref.OrderID), nil, &resp); err != nil {
			return BrokerStatus{}, err
		}
		return resp.Data.normalise(), nil
	}

	var resp upstoxEnvelope[[]upstoxOrder]
	if err := u.http.do(ctx, http.MethodGet, "/order/retrieve-all", nil, &resp); err != nil {
		return BrokerStatus{}, err
	}
	for _, o := range resp.Data {
		if o.Tag == ref.Tag {
			return o.normalise(), nil
		}
	}
	return BrokerStatus{}, ErrOrderNotFound
}

func (o upstoxOrder) normalise() BrokerStatus {
	st := BrokerStatus{OrderID: o.OrderID, Tag: o.Tag, FilledQty: o.FilledQuantity, AvgPrice: o.AveragePrice, Message: o.StatusMessage}
	switch strings.ToLower(o.Status) {
	case "complete":
		st.State = StateFilled
	case "rejected":
		st.State = StateRejected
	case "cancelled":
		st.State = StateCancelled
	default:
		st.State = StateOpen
	}
	return st
}
