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

// Dhan talks to the DhanHQ v2 REST API using the access-token header.
type Dhan struct {
	http     *jsonClient
	clientID string
}

// NewDhan creates a Dhan client.
func NewDhan(baseURL string, creds Credentials, timeout time.Duration) *Dhan {
	token := creds.AccessToken
	return &Dhan{
		clientID: creds.ClientID,
		http: newJSONClient(baseURL, timeout, func(r *http.Request) {
			r.Header.Set("access-token", token)
		}),
	}
}

func (d *Dhan) Name() string { return BrokerDhan }

type dhanOrder struct {
	OrderID             string  `json:"orderId"`
	CorrelationID       string  `json:"correlationId"`
	OrderStatus         string  `json:"orderStatus"`
	FilledQty           int     `json:"filledQty"`
	AverageTradedPrice  float64 `json:"averageTradedPrice"`
	OMSErrorDescription string  `json:"omsErrorDescription"`
}

func (d *Dhan) Validate(ctx context.Context) (Identity, error) {
	var resp struct {
		DhanClientID string `json:"dhanClientId"`
	}
	if err := d.http.do(ctx, http.MethodGet, "/profile", nil, &resp); err != nil {
		return Identity{}, err
	}
	if resp.DhanClientID == "" || (d.clientID != "" && resp.DhanClientID != d.clientID) {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Broker: BrokerDhan, UserID: resp.DhanClientID}, nil
}

func (d *Dhan) PlaceOrder(ctx context.Context, o BrokerOrder) (string, error) {
	product := "INTRADAY"
	if o.Product == "D" {
		product = "MARGIN"
	}
	body := map[string]any{
		"dhanClientId":    d.clientID,
		"correlationId":   o.Tag,
		"transactionType": o.Transaction,
		"exchangeSegment": "NSE_FNO",
		"productType":     product,
		"orderType":       "MARKET",
		"validity":        "DAY",
		"tradingSymbol":   o.Symbol,
		"quantity":        o.Qty,
		"price":           0,
	}
	var resp dhanOrder
	if err := d.http.do(ctx, http.MethodPost, "/orders", body, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", errors.New("dhan: empty order id")
	}
	return resp.OrderID, nil
}

func (d *Dhan) CancelOrder(ctx context.Context, orderID string) error {
	return d.http.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
}

func (d *Dhan) OrderStatus(ctx context.Context, ref model.OrderRef) (BrokerStatus, error) {
	path := "/orders/" + url.PathEscape(ref.OrderID)
	if ref.OrderID == "" {
		path = "/orders/external/" + url.PathEscape(ref.Tag)
	}
	var resp dhanOrder
	if err := d.http.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return BrokerStatus{}, err
	}
	if resp.OrderID == "" {
		return BrokerStatus{}, ErrOrderNotFound
	}
	st := BrokerStatus{
		OrderID:   resp.OrderID,
		Tag:       resp.CorrelationID,
		FilledQty: resp.FilledQty,
		AvgPrice:  resp.AverageTradedPrice,
		Message:   resp.OMSErrorDescription,
	}
	switch strings.ToUpper(resp.OrderStatus) {
	case "TRADED":
		st.State = StateFilled
	case "REJECTED":
		st.State = StateRejected
	case "CANCELLED", "EXPIRED":
		st.State = StateCancelled
	default:
		st.State = StateOpen
	}
	return st, nil
}
