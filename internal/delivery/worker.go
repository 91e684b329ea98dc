// Package delivery performs the outbound webhook POST: resolve the target
// host, send the stored payload with the forwarded headers, and classify the
// outcome so the state machine can decide between SENT, RETRY and DLQ.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"done-light/internal/messages"
	"done-light/internal/observability"
)

const (
	// RequestTimeout bounds the full POST round-trip.
	RequestTimeout = 8 * time.Second

	// DNSTimeout bounds the pre-flight host lookup.
	DNSTimeout = 4 * time.Second

	userAgent = "Done Light"
)

// Result classifies one delivery attempt. StatusCode is set only when the
// target answered; transport failures (DNS, timeout, refused connection)
// leave it nil.
type Result struct {
	Success    bool
	StatusCode *int
	Message    string
}

// Error converts a failed result into the stored attempt record.
func (r *Result) Error(target string) messages.DeliveryError {
	return messages.DeliveryError{
		URL:       target,
		Status:    r.StatusCode,
		Message:   r.Message,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Worker struct {
	client   *http.Client
	resolver resolver
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewWorker(logger *zap.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		client:   &http.Client{Timeout: RequestTimeout},
		resolver: net.DefaultResolver,
		logger:   logger,
		metrics:  metrics,
	}
}

// Deliver POSTs the message payload to its target URL. Only 200 and 201 count
// as success; everything else, including any transport failure, is a retryable
// failure for the state machine to handle.
func (w *Worker) Deliver(ctx context.Context, msg *messages.Message) *Result {
	result := w.attempt(ctx, msg)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	if w.metrics != nil {
		w.metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
	}

	if result.Success {
		w.logger.Info("delivery succeeded",
			zap.String("id", msg.ID),
			zap.String("url", msg.Payload.URL),
			zap.Int("retried", msg.Retried))
	} else {
		w.logger.Warn("delivery failed",
			zap.String("id", msg.ID),
			zap.String("url", msg.Payload.URL),
			zap.Int("retried", msg.Retried),
			zap.String("reason", result.Message))
	}
	return result
}

func (w *Worker) attempt(ctx context.Context, msg *messages.Message) *Result {
	target, err := url.Parse(msg.Payload.URL)
	if err != nil || target.Host == "" {
		return &Result{Message: fmt.Sprintf("invalid callback url %q", msg.Payload.URL)}
	}

	if err := w.checkHost(ctx, target.Hostname()); err != nil {
		return &Result{Message: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := w.buildRequest(reqCtx, msg, msg.Payload.URL, true)
	if err != nil {
		return &Result{Message: err.Error()}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &Result{Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return &Result{Success: true, StatusCode: &resp.StatusCode}
	}
	code := resp.StatusCode
	return &Result{StatusCode: &code, Message: "invalid response status"}
}

// checkHost fails fast on unresolvable hosts so a typoed domain does not
// burn the full request timeout on every retry.
func (w *Worker) checkHost(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("callback url has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, DNSTimeout)
	defer cancel()

	if _, err := w.resolver.LookupHost(lookupCtx, host); err != nil {
		return fmt.Errorf("dns lookup failed for %s: %w", host, err)
	}
	return nil
}

// FailureCallback POSTs the message once to the client's failure-callback URL
// after the DLQ transition. The outcome never changes message state; errors
// are the caller's to log.
func (w *Worker) FailureCallback(ctx context.Context, msg *messages.Message, target string) error {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := w.buildRequest(reqCtx, msg, target, false)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("failure callback answered %d", resp.StatusCode)
	}
	return nil
}

// buildRequest assembles the outbound POST: forwarded client headers first,
// then the system headers, so forwarded entries can never mask Done-*.
func (w *Worker) buildRequest(ctx context.Context, msg *messages.Message, target string, delivery bool) (*http.Request, error) {
	var body io.Reader
	if len(msg.Payload.Data) > 0 {
		body = bytes.NewReader(msg.Payload.Data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if len(msg.Payload.Data) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range msg.Payload.Headers.Forward {
		req.Header.Set(name, value)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Done-Message-Id", msg.ID)
	req.Header.Set("Done-Retried", strconv.Itoa(msg.Retried))
	if delivery {
		req.Header.Set("Done-Status", string(messages.StatusDeliver))
	} else {
		req.Header.Set("Done-Status", string(messages.StatusDLQ))
	}
	return req, nil
}
