package fixer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lucasnoah/cihealer/internal/healerr"
	"github.com/lucasnoah/cihealer/internal/logging"
)

const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultRequestDelay = 3 * time.Second
	DefaultMaxFailures  = 3
)

// CascadeOptions configure the wrapper applied to every provider.
type CascadeOptions struct {
	CallTimeout time.Duration
	// RequestDelay is the minimum spacing between provider calls. Zero disables it.
	RequestDelay time.Duration
	MaxFailures  int
	Logger       *logging.Logger
	// OnCall, when set, is invoked after every provider call.
	OnCall func(CallRecord)
}

// CallRecord describes one provider call.
type CallRecord struct {
	Provider string
	Attempt  int
	Duration time.Duration
	Kind     healerr.ProviderKind // empty on success
	Err      error
}

// ProviderHealth is a snapshot of one provider's standing.
type ProviderHealth struct {
	Name                string `json:"name"`
	Calls               int    `json:"calls"`
	Failures            int    `json:"failures"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Healthy             bool   `json:"healthy"`
}

// Cascade tries providers in order until one returns a usable response.
type Cascade struct {
	providers []Provider
	opts      CascadeOptions
	limiter   *rate.Limiter
	log       *logging.Logger

	mu     sync.Mutex
	health map[string]*ProviderHealth
}

// NewCascade wraps providers. Zero-valued timeout and failure limits take defaults.
func NewCascade(providers []Provider, opts CascadeOptions) *Cascade {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	c := &Cascade{
		providers: providers,
		opts:      opts,
		log:       logging.Or(opts.Logger).WithComponent("fixer"),
		health:    make(map[string]*ProviderHealth, len(providers)),
	}
	if opts.RequestDelay > 0 {
		c.limiter = rate.NewLimiter(rate.Every(opts.RequestDelay), 1)
	}
	for _, p := range providers {
		c.health[p.Name()] = &ProviderHealth{Name: p.Name(), Healthy: true}
	}
	return c
}

// Fix returns the first valid response and the name of the provider that
// produced it. When every provider fails the error is a *healerr.ProviderUnavailable.
func (c *Cascade) Fix(ctx context.Context, p Prompt) (Response, string, error) {
	if len(c.providers) == 0 {
		return Response{}, "", healerr.ErrNoProviders
	}
	var attempts []*healerr.ProviderError
	for _, prov := range c.providers {
		name := prov.Name()
		for attempt := 1; attempt <= 2; attempt++ {
			if !c.healthy(name) {
				attempts = append(attempts, &healerr.ProviderError{Provider: name, Kind: healerr.ProviderUnhealthy})
				break
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return Response{}, "", &healerr.ProviderUnavailable{Attempts: append(attempts,
						&healerr.ProviderError{Provider: name, Kind: healerr.ProviderTimeout, Err: err})}
				}
			}

			resp, perr := c.call(ctx, prov, p, attempt)
			if perr == nil {
				return resp, name, nil
			}
			attempts = append(attempts, perr)
			if ctx.Err() != nil {
				return Response{}, "", &healerr.ProviderUnavailable{Attempts: attempts}
			}
			if !perr.Retryable() {
				break
			}
			c.log.Warn("provider call failed, retrying", "provider", name, "attempt", attempt, "kind", string(perr.Kind), "error", perr.Error())
		}
	}
	return Response{}, "", &healerr.ProviderUnavailable{Attempts: attempts}
}

func (c *Cascade) call(ctx context.Context, prov Provider, p Prompt, attempt int) (Response, *healerr.ProviderError) {
	name := prov.Name()
	timeout := c.opts.CallTimeout
	if t, ok := prov.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := prov.Fix(callCtx, p)
	if err == nil {
		resp, err = normalizeResponse(name, resp)
	}
	rec := CallRecord{Provider: name, Attempt: attempt, Duration: time.Since(start)}

	var perr *healerr.ProviderError
	if err != nil {
		perr = asProviderError(name, err, callCtx)
		rec.Kind, rec.Err = perr.Kind, perr
	}
	c.record(name, perr == nil)
	if c.opts.OnCall != nil {
		c.opts.OnCall(rec)
	}
	return resp, perr
}

func asProviderError(name string, err error, callCtx context.Context) *healerr.ProviderError {
	var perr *healerr.ProviderError
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			perr.Provider = name
		}
		return perr
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &healerr.ProviderError{Provider: name, Kind: healerr.ProviderTimeout, Err: err}
	}
	return &healerr.ProviderError{Provider: name, Kind: healerr.ProviderFailed, Err: err}
}

func (c *Cascade) healthy(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health[name].Healthy
}

func (c *Cascade) record(name string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[name]
	h.Calls++
	if ok {
		h.ConsecutiveFailures = 0
		return
	}
	h.Failures++
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= c.opts.MaxFailures && h.Healthy {
		h.Healthy = false
		c.log.Warn("provider marked unhealthy", "provider", name, "consecutive_failures", h.ConsecutiveFailures)
	}
}

// Health returns provider standings in cascade order.
func (c *Cascade) Health() []ProviderHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProviderHealth, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, *c.health[p.Name()])
	}
	return out
}
