package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"campaigner/internal/config"
	"campaigner/internal/domain"
	"campaigner/internal/observability"
	"campaigner/internal/phone"
)

type MessageAPI interface {
	SendMessage(ctx context.Context, req SendRequest) (SendResponse, error)
}

// Sender delivers one WhatsApp message per call. Recipient rejections come
// back as an unsuccessful SendResult; provider-wide trouble (breaker open,
// retries exhausted, transport down) comes back as a TransientProviderError.
type Sender struct {
	API     MessageAPI
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	StatusCallbackURL string
	CallTimeout       time.Duration
	MaxAttempts       int
	Backoff           func(attempt int) time.Duration
}

// NewBreaker trips after consecutive provider failures. Recipient errors do
// not count against it.
func NewBreaker(name string, consecutive uint32, openFor time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= consecutive
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsRecipientError(err)
		},
	})
}

// NewSender wires the REST client, the process-wide limiter and the breaker.
func NewSender(cfg config.Twilio) *Sender {
	client := &Client{
		AccountSID:          cfg.TwilioAccountSID,
		AuthToken:           cfg.TwilioAuthToken,
		HTTP:                &http.Client{Timeout: cfg.TwilioTimeout + 2*time.Second},
		From:                cfg.TwilioWhatsAppFrom,
		MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		BaseURL:             cfg.TwilioBaseURL,
	}
	return &Sender{
		API:               client,
		Limiter:           rate.NewLimiter(rate.Limit(cfg.TwilioRPSPerPod), cfg.TwilioBurst),
		Breaker:           NewBreaker("twilio", cfg.BreakerFailures, cfg.BreakerOpenFor),
		StatusCallbackURL: cfg.TwilioStatusCallbackURL,
		CallTimeout:       cfg.TwilioTimeout,
		MaxAttempts:       cfg.TwilioMaxAttempts,
	}
}

func (s *Sender) IsValidDestination(destination string) bool {
	return phone.IsValid(destination)
}

func (s *Sender) Send(ctx context.Context, destination, body string) (domain.SendResult, error) {
	to := phone.WhatsAppAddress(destination)
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := s.Backoff
	if backoff == nil {
		backoff = Backoff
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				return domain.SendResult{}, err
			}
		}

		start := time.Now()
		resp, err := s.execute(ctx, to, body)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.TwilioSend.WithLabelValues("cb_open", "0").Inc()
			return domain.SendResult{}, &domain.TransientProviderError{Err: err}
		}
		if err == nil {
			observability.TwilioSend.WithLabelValues("ok", "201").Inc()
			observability.TwilioLatency.Observe(time.Since(start).Seconds())
			return domain.SendResult{Success: true, ProviderID: resp.Sid}, nil
		}
		if ctx.Err() != nil {
			return domain.SendResult{}, ctx.Err()
		}

		var httpStatus int
		var ce *CallError
		if errors.As(err, &ce) {
			httpStatus = ce.HTTPStatus
		}
		observability.TwilioSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
		lastErr = err

		if IsRecipientError(err) {
			return domain.SendResult{Success: false, Error: err.Error()}, nil
		}
		if !ShouldRetry(err) {
			return domain.SendResult{}, &domain.TransientProviderError{Err: err}
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return domain.SendResult{}, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}
	return domain.SendResult{}, &domain.TransientProviderError{Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

func (s *Sender) execute(ctx context.Context, to, body string) (SendResponse, error) {
	call := func() (any, error) {
		timeout := s.CallTimeout
		if timeout <= 0 {
			timeout = 6 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return s.API.SendMessage(reqCtx, SendRequest{
			To:                to,
			Body:              body,
			StatusCallbackURL: s.StatusCallbackURL,
		})
	}

	if s.Breaker == nil {
		res, err := call()
		resp, _ := res.(SendResponse)
		return resp, err
	}
	res, err := s.Breaker.Execute(call)
	resp, _ := res.(SendResponse)
	return resp, err
}
