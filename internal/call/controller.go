package call

import (
	"context"
	"sync"

	"chatlink/internal/apperr"
	"chatlink/internal/signaling"
	"chatlink/internal/wire"
)

// Controller allows one call at a time and keeps the relay in step with it.
type Controller struct {
	relay *signaling.Relay
	cfg   Config

	mu     sync.Mutex
	active *Negotiator
}

func NewController(relay *signaling.Relay, cfg Config) *Controller {
	return &Controller{relay: relay, cfg: cfg}
}

// Active returns the current call, or nil.
func (c *Controller) Active() *Negotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) claim() (*Negotiator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, apperr.ErrCallInProgress
	}
	n := NewNegotiator(c.cfg)
	c.active = n
	return n, nil
}

func (c *Controller) release(n *Negotiator) {
	c.mu.Lock()
	if c.active == n {
		c.active = nil
	}
	c.mu.Unlock()
}

// watch detaches n from the relay once it closes, whatever the reason.
func (c *Controller) watch(n *Negotiator) {
	<-n.Done()
	c.relay.Detach(n)
	c.release(n)
}

// Call places a call to peer.
func (c *Controller) Call(ctx context.Context, peer wire.UserID) (*Negotiator, error) {
	if peer == c.cfg.Self {
		return nil, apperr.InvalidArg("cannot call yourself")
	}
	n, err := c.claim()
	if err != nil {
		return nil, err
	}
	if err := c.relay.Attach(n, peer); err != nil {
		c.release(n)
		n.close(err)
		return nil, err
	}
	go c.watch(n)
	return n, n.Call(ctx, peer)
}

// Accept answers the ringing call.
func (c *Controller) Accept(ctx context.Context) (*Negotiator, error) {
	n, err := c.claim()
	if err != nil {
		return nil, err
	}
	offer, err := c.relay.Accept(n)
	if err != nil {
		c.release(n)
		n.close(err)
		return nil, err
	}
	go c.watch(n)
	return n, n.Answer(ctx, offer)
}

// Decline drops the ringing call.
func (c *Controller) Decline() error {
	return c.relay.Decline()
}

// Hangup ends the active call.
func (c *Controller) Hangup() error {
	n := c.Active()
	if n == nil {
		return apperr.FailedPrecondition("no active call")
	}
	n.Hangup()
	c.relay.Detach(n)
	c.release(n)
	return nil
}
