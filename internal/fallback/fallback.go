// Package fallback sends one request through an ordered list of provider
// specs, retrying each spec a bounded number of times before moving to the
// next.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"

	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/llmcall"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// ErrStopped is returned when the caller's context is cancelled before a
// request succeeds. The in-flight attempt is allowed to finish first.
var ErrStopped = errors.New("translation stopped")

// Spec names one fallback target: a registered client, an optional
// upstream provider to pin (OpenRouter routing), and a model.
type Spec struct {
	Client   string `json:"client" yaml:"client" mapstructure:"client"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty" mapstructure:"provider"`
	Model    string `json:"model" yaml:"model" mapstructure:"model"`
}

// String returns "client[/provider]:model".
func (s Spec) String() string {
	var b strings.Builder
	b.WriteString(s.Client)
	if s.Provider != "" {
		b.WriteString("/")
		b.WriteString(s.Provider)
	}
	b.WriteString(":")
	b.WriteString(s.Model)
	return b.String()
}

// Resolver looks up clients and their rate limiters by name.
// *providers.Registry implements it.
type Resolver interface {
	Get(name string) (providers.LLMClient, error)
	Limiter(name string) *providers.RateLimiter
}

// Validator checks a successful chat result and extracts the text to
// keep. Returning an error fails the attempt as a malformed response.
type Validator func(result *providers.ChatResult) (string, error)

// Request is one translation request.
type Request struct {
	Messages       []providers.Message
	Sampling       providers.Sampling
	ResponseFormat *providers.ResponseFormat

	Specs   []Spec
	Retries int           // Attempts per spec (min 1)
	Timeout time.Duration // Per attempt (0 = no limit beyond the client's)

	// Validate extracts the final text. Defaults to the raw content.
	Validate Validator

	// OnDelta receives streamed fragments. Optional.
	OnDelta func(delta string)

	// OnAttemptFailed observes each failed attempt. Optional.
	OnAttemptFailed func(Attempt)

	// Record identifies the work for the call log (chapter, chunk, purpose).
	Record llmcall.RecordOptions
}

// Attempt is one entry of the attempt history.
type Attempt struct {
	Spec     Spec          `json:"spec"`
	Number   int           `json:"number"`  // 1-based across the whole request, 0 when skipped
	Try      int           `json:"try"`     // 1-based within the provider spec
	Skipped  bool          `json:"skipped"` // Spec skipped without a call (open breaker, unknown client)
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is a successful translation.
type Result struct {
	Text     string
	Chat     *providers.ChatResult
	Spec     Spec
	Attempts []Attempt
}

// ExhaustedError reports that every spec ran out of attempts.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	n := 0
	last := ""
	for _, a := range e.Attempts {
		if a.Skipped {
			continue
		}
		n++
		last = a.Error
	}
	if last == "" {
		return fmt.Sprintf("%s after %d attempts", errdefs.ErrProviderExhausted, n)
	}
	return fmt.Sprintf("%s after %d attempts: %s", errdefs.ErrProviderExhausted, n, last)
}

func (e *ExhaustedError) Unwrap() error {
	return errdefs.ErrProviderExhausted
}

// BreakerConfig configures the optional per-spec circuit breaker.
type BreakerConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Failures int           `json:"failures" yaml:"failures" mapstructure:"failures"` // Consecutive failures that open it
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"` // Open duration before a trial call
}

// Config configures a Client.
type Config struct {
	Resolver Resolver
	Recorder *llmcall.Recorder // Optional
	Breaker  BreakerConfig
	Logger   *slog.Logger

	// BaseDelay is the first backoff between attempts on the same spec
	// (default 1s). MaxDelay caps it (default 30s).
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Client runs requests through the fallback chain.
type Client struct {
	resolver  Resolver
	recorder  *llmcall.Recorder
	breakerCf BreakerConfig
	logger    *slog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a fallback client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Breaker.Failures <= 0 {
		cfg.Breaker.Failures = 3
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = time.Minute
	}
	return &Client{
		resolver:  cfg.Resolver,
		recorder:  cfg.Recorder,
		breakerCf: cfg.Breaker,
		logger:    cfg.Logger,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// queued is one spec and the attempts it has left.
type queued struct {
	spec      Spec
	remaining int
}

// Translate sends req through the provider chain. It returns *ExhaustedError
// (wrapping errdefs.ErrProviderExhausted) when every spec fails, and
// ErrStopped when ctx is cancelled first.
func (c *Client) Translate(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Specs) == 0 {
		return nil, fmt.Errorf("%w: no provider specs configured", errdefs.ErrProviderExhausted)
	}
	retries := req.Retries
	if retries < 1 {
		retries = 1
	}

	queue := make([]queued, 0, len(req.Specs))
	for _, s := range req.Specs {
		queue = append(queue, queued{spec: s, remaining: retries})
	}

	var history []Attempt
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %d attempts made", ErrStopped, countCalls(history))
		}

		cur := queue[0]
		queue = queue[1:]

		result, attempts, err := c.runSpec(ctx, req, cur, countCalls(history))
		history = append(history, attempts...)
		if err == nil {
			result.Attempts = history
			return result, nil
		}
		if errors.Is(err, ErrStopped) {
			return nil, fmt.Errorf("%w: %d attempts made", ErrStopped, countCalls(history))
		}
		c.logger.Warn("provider spec exhausted",
			"spec", cur.spec.String(),
			"attempts", len(attempts),
			"error", err)
	}
	return nil, &ExhaustedError{Attempts: history}
}

// runSpec spends a spec's attempt budget. It returns the attempts made and
// either a result or the last error.
func (c *Client) runSpec(ctx context.Context, req *Request, q queued, offset int) (*Result, []Attempt, error) {
	spec := q.spec
	logger := c.logger.With("spec", spec.String())

	client, err := c.resolver.Get(spec.Client)
	if err != nil {
		logger.Warn("skipping spec with unknown client", "error", err)
		return nil, []Attempt{{Spec: spec, Skipped: true, Err: err, Error: err.Error()}}, err
	}

	breaker := c.breaker(spec)
	if breaker != nil && breaker.State() == gobreaker.StateOpen {
		logger.Info("skipping spec with open circuit breaker")
		err := fmt.Errorf("circuit breaker open for %s", spec)
		return nil, []Attempt{{Spec: spec, Skipped: true, Err: err, Error: err.Error()}}, err
	}

	limiter := c.resolver.Limiter(spec.Client)

	var (
		attempts []Attempt
		result   *Result
		try      int
	)
	attemptFn := func() error {
		if ctx.Err() != nil {
			return retry.Unrecoverable(ErrStopped)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(ErrStopped)
			}
		}
		try++
		start := time.Now()

		res, text, err := c.attempt(ctx, client, breaker, req, spec, try)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Rejected by the breaker without a call; not an attempt.
			try--
			logger.Info("circuit breaker rejected attempt, moving on", "error", err)
			return retry.Unrecoverable(err)
		}

		if errors.Is(err, providers.ErrNotConfigured) {
			// The client cannot make calls at all; skip the spec.
			logger.Warn("skipping unconfigured spec", "error", err)
			attempts = append(attempts, Attempt{Spec: spec, Skipped: true, Err: err, Error: err.Error()})
			return retry.Unrecoverable(err)
		}

		a := Attempt{
			Spec:     spec,
			Number:   offset + countCalls(attempts) + 1,
			Try:      try,
			Err:      err,
			Duration: time.Since(start),
		}
		if err != nil {
			a.Error = err.Error()
		}
		attempts = append(attempts, a)

		c.record(req, spec, try, res, err)

		if err == nil {
			result = &Result{Text: text, Chat: res, Spec: spec}
			return nil
		}

		var he *providers.HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests && limiter != nil {
			limiter.Record429(he.RetryAfter)
		}

		logger.Warn("attempt failed", "try", try, "error", err)
		if req.OnAttemptFailed != nil {
			req.OnAttemptFailed(a)
		}
		return err
	}

	err = retry.Do(attemptFn,
		retry.Context(ctx),
		retry.Attempts(uint(q.remaining)),
		retry.Delay(c.baseDelay),
		retry.MaxDelay(c.maxDelay),
		retry.DelayType(retryAfterDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return result, attempts, nil
	}
	if errors.Is(err, ErrStopped) || ctx.Err() != nil {
		return nil, attempts, ErrStopped
	}
	return nil, attempts, err
}

// attempt makes one call and validates the response.
func (c *Client) attempt(ctx context.Context, client providers.LLMClient, breaker *gobreaker.CircuitBreaker, req *Request, spec Spec, try int) (*providers.ChatResult, string, error) {
	// The attempt outlives a stop request; only its own timeout ends it.
	actx := context.WithoutCancel(ctx)
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, req.Timeout)
		defer cancel()
	}

	chatReq := &providers.ChatRequest{
		Messages:       req.Messages,
		Model:          spec.Model,
		Sampling:       req.Sampling,
		ResponseFormat: req.ResponseFormat,
		OnDelta:        req.OnDelta,
		Attempt:        try,
	}
	if spec.Provider != "" {
		chatReq.ProviderOrder = []string{spec.Provider}
	}

	call := func() (*providers.ChatResult, string, error) {
		res, err := client.Chat(actx, chatReq)
		if err != nil {
			if actx.Err() == context.DeadlineExceeded {
				return res, "", fmt.Errorf("attempt timed out after %s: %w", req.Timeout, err)
			}
			return res, "", err
		}
		if !res.Success {
			return res, "", fmt.Errorf("%w: %s", errdefs.ErrMalformedResponse, res.ErrorMessage)
		}
		if strings.TrimSpace(res.Content) == "" {
			return res, "", fmt.Errorf("%w: empty content", errdefs.ErrMalformedResponse)
		}
		if req.Validate == nil {
			return res, res.Content, nil
		}
		text, err := req.Validate(res)
		if err != nil {
			if !errors.Is(err, errdefs.ErrMalformedResponse) {
				err = fmt.Errorf("%w: %v", errdefs.ErrMalformedResponse, err)
			}
			return res, "", err
		}
		return res, text, nil
	}

	if breaker == nil {
		return call()
	}

	var (
		res  *providers.ChatResult
		text string
	)
	_, err := breaker.Execute(func() (interface{}, error) {
		var err error
		res, text, err = call()
		return nil, err
	})
	return res, text, err
}

func (c *Client) record(req *Request, spec Spec, try int, res *providers.ChatResult, err error) {
	if c.recorder == nil {
		return
	}
	opts := req.Record
	opts.Spec = spec.String()
	opts.Upstream = spec.Provider
	opts.Attempt = try
	opts.Err = err
	if opts.Temperature == nil {
		t := req.Sampling.Temperature
		opts.Temperature = &t
	}
	if res == nil && err != nil {
		res = &providers.ChatResult{Provider: spec.Client, ModelUsed: spec.Model}
	}
	if res != nil && res.ModelUsed == "" {
		res.ModelUsed = spec.Model
	}
	c.recorder.Record(res, opts)
}

// breaker returns the circuit breaker for spec, or nil when disabled.
func (c *Client) breaker(spec Spec) *gobreaker.CircuitBreaker {
	if !c.breakerCf.Enabled {
		return nil
	}
	key := spec.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	failures := uint32(c.breakerCf.Failures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     c.breakerCf.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state change", "spec", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[key] = cb
	return cb
}

// BreakerState reports the breaker state for spec ("closed" when disabled).
func (c *Client) BreakerState(spec Spec) string {
	cb := c.breaker(spec)
	if cb == nil {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// retryAfterDelay honors a provider's Retry-After and backs off
// exponentially on transient failures. A rejection that will not change
// on repeat (401, 400) still spends its tries, without waiting.
func retryAfterDelay(n uint, err error, config *retry.Config) time.Duration {
	var he *providers.HTTPError
	if errors.As(err, &he) && he.RetryAfter > 0 {
		return he.RetryAfter
	}
	if !providers.IsRetryable(err) {
		return 0
	}
	return retry.BackOffDelay(n, err, config)
}

func countCalls(history []Attempt) int {
	n := 0
	for _, a := range history {
		if !a.Skipped {
			n++
		}
	}
	return n
}
