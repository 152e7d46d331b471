// Package natsrpc implements the ephemeral ingress: a queue-grouped NATS
// subscriber serving request-reply and fire-and-forget reasoning requests.
// The transport is best-effort by contract: every failure kind, graceful or
// not, is surfaced to the caller as an error reply and nothing is redelivered.
package natsrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PenroseAI/penrose/engine/telemetry"
	"github.com/PenroseAI/penrose/pkg/fn"
	"github.com/PenroseAI/penrose/pkg/natsutil"
)

// Invoker runs the reasoning pipeline for one request.
type Invoker interface {
	Invoke(ctx context.Context, userID, text string) (string, error)
}

// Options configures the subscriber.
type Options struct {
	URL            string
	Subject        string
	QueueGroup     string
	ContentTracing bool
}

// Request is the inbound payload.
type Request struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// Reply is the success response for request-reply callers.
type Reply struct {
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
}

// ErrorReply is the failure response for request-reply callers.
type ErrorReply struct {
	Error     string `json:"error"`
	LatencyMS int64  `json:"latency_ms"`
}

// Handler is the ephemeral transport ingress.
type Handler struct {
	pipeline Invoker
	rec      *telemetry.Recorder
	opts     Options
	logger   *slog.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

// New creates a Handler. Call Connect then Subscribe to start serving.
func New(pipeline Invoker, rec *telemetry.Recorder, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pipeline: pipeline,
		rec:      rec,
		opts:     opts,
		logger:   logger,
	}
}

// Connect establishes the NATS connection with bounded backoff.
func (h *Handler) Connect(ctx context.Context) error {
	res := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Second,
		MaxWait:     10 * time.Second,
		Jitter:      true,
	}, func(context.Context) fn.Result[*nats.Conn] {
		return fn.FromPair(nats.Connect(h.opts.URL))
	})

	nc, err := res.Unwrap()
	if err != nil {
		return err
	}
	h.nc = nc
	return nil
}

// Subscribe joins the queue group on the request subject.
func (h *Handler) Subscribe() error {
	sub, err := natsutil.QueueSubscribe(h.nc, h.opts.Subject, h.opts.QueueGroup, h.handle)
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// handle processes one inbound message. Outcomes never propagate: with a
// reply subject the caller gets a success or error payload, without one the
// outcome is discarded.
func (h *Handler) handle(ctx context.Context, msg *nats.Msg) {
	ctx = telemetry.WithTransport(ctx, telemetry.TransportEphemeral)
	start := time.Now()
	h.rec.IncRequests(ctx, telemetry.TransportEphemeral)

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.fail(ctx, msg, start, "invalid request payload")
		return
	}
	if req.UserID == "" || req.Text == "" {
		h.fail(ctx, msg, start, "user_id and text are required")
		return
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.invoke")
	span.SetAttributes(attribute.String("transport", telemetry.TransportEphemeral))
	defer span.End()

	reply, err := h.pipeline.Invoke(ctx, req.UserID, req.Text)
	if err != nil {
		// Graceful and unhandled failures alike become error replies here:
		// this transport has no redelivery, the caller owns any retry.
		span.RecordError(err)
		h.fail(ctx, msg, start, err.Error())
		return
	}

	latencyMS := time.Since(start).Milliseconds()
	h.rec.ObserveLatency(ctx, telemetry.TransportEphemeral, latencyMS)
	telemetry.AddContentAttributes(span, req.Text, reply, h.opts.ContentTracing)

	if msg.Reply != "" {
		h.respond(msg, Reply{UserID: req.UserID, Text: reply, LatencyMS: latencyMS})
	}
}

func (h *Handler) fail(ctx context.Context, msg *nats.Msg, start time.Time, errMsg string) {
	h.rec.IncErrors(ctx, telemetry.TransportEphemeral)
	if msg.Reply != "" {
		h.respond(msg, ErrorReply{Error: errMsg, LatencyMS: time.Since(start).Milliseconds()})
	}
}

func (h *Handler) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal reply failed", "err", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		h.logger.Warn("respond failed", "subject", msg.Subject, "err", err)
	}
}

// IsConnected reports whether the NATS connection is active.
func (h *Handler) IsConnected() bool {
	return h.nc != nil && h.nc.IsConnected()
}

// Close drains the subscription and connection.
func (h *Handler) Close() {
	if h.nc == nil {
		return
	}
	if err := h.nc.Drain(); err != nil {
		h.logger.Warn("nats drain failed", "err", err)
	}
	h.nc = nil
	h.sub = nil
}
