package broker

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// LimitedGateway throttles calls to an underlying Gateway.
type LimitedGateway struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewLimitedGateway wraps next with a token bucket of perSecond requests.
func NewLimitedGateway(next Gateway, perSecond int) *LimitedGateway {
	if perSecond < 1 {
		perSecond = 1
	}
	return &LimitedGateway{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

func (g *LimitedGateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// SubmitOrder implements Gateway.
func (g *LimitedGateway) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	return g.next.SubmitOrder(ctx, req)
}

// CancelOrder implements Gateway.
func (g *LimitedGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := g.wait(ctx); err != nil {
		return false, err
	}
	return g.next.CancelOrder(ctx, orderID)
}

// GetOrder implements Gateway.
func (g *LimitedGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return g.next.GetOrder(ctx, orderID)
}

// ListOrders implements Gateway.
func (g *LimitedGateway) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return g.next.ListOrders(ctx, filter)
}

var _ Gateway = (*LimitedGateway)(nil)
