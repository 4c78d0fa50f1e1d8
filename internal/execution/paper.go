package execution

import (
	"context"
	"fmt"
	"sync"

	"skewhunter/internal/model"
)

// Paper is an in-process broker that fills market orders at the order's
// reference price. It exercises the real execution path without a network.
type Paper struct {
	mu     sync.Mutex
	seq    int
	orders map[string]BrokerStatus
}

// NewPaper creates an empty paper broker.
func NewPaper() *Paper {
	return &Paper{orders: make(map[string]BrokerStatus)}
}

func (p *Paper) Name() string { return BrokerPaper }

func (p *Paper) Validate(context.Context) (Identity, error) {
	return Identity{Broker: BrokerPaper, UserID: "paper"}, nil
}

func (p *Paper) PlaceOrder(_ context.Context, o BrokerOrder) (string, error) {
	if o.Qty <= 0 || o.Price <= 0 {
		return "", &APIError{Status: 400, Message: "paper: quantity and price must be positive"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	p.orders[id] = BrokerStatus{OrderID: id, Tag: o.Tag, State: StateFilled, FilledQty: o.Qty, AvgPrice: o.Price}
	return id, nil
}

func (p *Paper) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if st.State == StateOpen {
		st.State = StateCancelled
		p.orders[orderID] = st
	}
	return nil
}

func (p *Paper) OrderStatus(_ context.Context, ref model.OrderRef) (BrokerStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref.OrderID != "" {
		if st, ok := p.orders[ref.OrderID]; ok {
			return st, nil
		}
		return BrokerStatus{}, ErrOrderNotFound
	}
	for _, st := range p.orders {
		if st.Tag == ref.Tag {
			return st, nil
		}
	}
	return BrokerStatus{}, ErrOrderNotFound
}
