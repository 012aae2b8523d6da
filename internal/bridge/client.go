// Package bridge talks to the external messaging-bridge session over HTTP.
// The bridge is the one truly exclusive resource per channel; callers are
// expected to hold the channel send lock around Send.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/metrics"
)

// ErrMessageNotSent is the bridge's explicit rejection of a send. Unexpected
// transport errors funnel into the same failure path; the distinction only
// matters for logging.
var ErrMessageNotSent = errors.New("message_not_sent")

type Client interface {
	// Send hands the message to the bridge and returns the bridge's id for
	// it, which later delivery receipts reference.
	Send(ctx context.Context, ch *core.Channel, msg *core.OutboundMessage) (string, error)
	// ValidateConfig is a cheap probe for whether the channel's bridge
	// session is currently usable.
	ValidateConfig(ctx context.Context, ch *core.Channel) error
}

type Options struct {
	QPS          float64 // sustained bridge rate, shared across channels in this process
	Burst        int
	SendTimeout  time.Duration
	ProbeTimeout time.Duration
}

type HTTPClient struct {
	http    *http.Client
	limiter *rate.Limiter
	opt     Options
	log     zerolog.Logger
}

func NewHTTPClient(log zerolog.Logger, opt Options) *HTTPClient {
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 5 * time.Second
	}
	if opt.ProbeTimeout <= 0 {
		opt.ProbeTimeout = 2 * time.Second
	}
	return &HTTPClient{
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(opt.QPS), opt.Burst),
		opt:     opt,
		log:     log.With().Str("component", "bridge").Logger(),
	}
}

var _ Client = (*HTTPClient)(nil)

type sendPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

func (c *HTTPClient) Send(ctx context.Context, ch *core.Channel, msg *core.OutboundMessage) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, c.opt.SendTimeout)
	defer cancel()

	body, err := json.Marshal(sendPayload{MessageID: msg.ID, ConversationID: msg.ConversationID, Body: msg.Body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, ch.Config.BaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("bridge send: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: bridge returned %d", ErrMessageNotSent, resp.StatusCode)
	}

	// Older bridge builds answer with an empty body; the message is still
	// sent, it just can never be confirmed by a receipt.
	var ack struct {
		SourceID string `json:"source_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil && err != io.EOF {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("unparseable send ack")
	}
	return ack.SourceID, nil
}

// FetchOlderHistory asks the bridge session to page further back through
// history. The bridge answers with more webhook deliveries.
func (c *HTTPClient) FetchOlderHistory(ctx context.Context, ch *core.Channel) error {
	cctx, cancel := context.WithTimeout(ctx, c.opt.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, ch.Config.BaseURL+"/history/continue", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history continue: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("history continue: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) ValidateConfig(ctx context.Context, ch *core.Channel) error {
	cctx, cancel := context.WithTimeout(ctx, c.opt.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, ch.Config.BaseURL+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge probe: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge probe: status %d", resp.StatusCode)
	}
	return nil
}
