package heuristic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrInvalidResponse is returned by transports when the service answer
	// cannot be parsed or violates the response schema.
	ErrInvalidResponse = errors.New("invalid heuristic response")

	// ErrServiceStatus is wrapped by StatusError.
	ErrServiceStatus = errors.New("heuristic service error status")
)

// StatusError reports a non-success HTTP status from the scoring service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("heuristic service returned status %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrServiceStatus
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Response is the raw answer of the scoring service.
type Response struct {
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// Validate enforces the response schema.
func (r Response) Validate() error {
	if r.Confidence == nil {
		return fmt.Errorf("%w: confidence is missing", ErrInvalidResponse)
	}
	c := *r.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidResponse, c)
	}
	return nil
}

// Transport performs one call to the scoring service.
type Transport interface {
	Call(ctx context.Context, summary Summary) (Response, error)
}

// Scorer produces a heuristic score for a summary. Implementations never fail;
// problems surface as a degraded score.
type Scorer interface {
	Score(ctx context.Context, summary Summary) domain.HeuristicScore
}

// Degraded returns the neutral fallback score.
func Degraded(reason string) domain.HeuristicScore {
	return domain.HeuristicScore{
		Confidence: 0,
		Rationale:  "heuristic scoring service unavailable: " + reason,
		Degraded:   true,
	}
}

// Disabled is the Scorer used when no provider is configured.
type Disabled struct{}

// Score always returns a degraded score.
func (Disabled) Score(context.Context, Summary) domain.HeuristicScore {
	return Degraded("no provider configured")
}

// Client calls a Transport with a hard per-attempt timeout and retries with
// exponential backoff before degrading.
type Client struct {
	transport      Transport
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

// NewClient creates a new heuristic client.
func NewClient(transport Transport, cfg domain.HeuristicConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		transport:      transport,
		timeout:        timeout,
		maxRetries:     max(cfg.MaxRetries, 0),
		initialBackoff: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		maxBackoff:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		logger:         logger,
	}
}

// Score implements Scorer.
func (c *Client) Score(ctx context.Context, summary Summary) domain.HeuristicScore {
	var lastErr error
	backoff := c.initialBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff); err != nil {
				return c.degrade(summary, attempt, fmt.Errorf("cancelled: %w", err))
			}
			backoff = min(backoff*2, c.maxBackoff)
		}
		if err := ctx.Err(); err != nil {
			return c.degrade(summary, attempt, fmt.Errorf("cancelled: %w", err))
		}

		resp, err := c.call(ctx, summary)
		if err == nil {
			return domain.HeuristicScore{
				Confidence: *resp.Confidence,
				Rationale:  resp.Rationale,
			}
		}
		lastErr = err

		c.logger.Warn("heuristic call failed",
			"account_id", summary.AccountPeriod.AccountID,
			"attempt", attempt+1,
			"error", err,
		)

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return c.degrade(summary, attempt+1, err)
		}
	}

	return c.degrade(summary, c.maxRetries+1, lastErr)
}

func (c *Client) call(ctx context.Context, summary Summary) (Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.transport.Call(attemptCtx, summary)
	if err != nil {
		return Response{}, err
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) degrade(summary Summary, attempts int, err error) domain.HeuristicScore {
	c.logger.Error("heuristic scoring degraded",
		"account_id", summary.AccountPeriod.AccountID,
		"attempts", attempts,
		"error", err,
	)
	return Degraded(err.Error())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
