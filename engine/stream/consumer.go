// Package stream implements the durable ingress: a JetStream pull consumer
// with explicit per-message acknowledgement and result publishing.
//
// Every message reaches exactly one of three terminal outcomes:
//
//   - success: result published to the result subject, message acknowledged;
//   - graceful failure: error result published (no "text" key), message
//     acknowledged (the input was processed, redelivery cannot do better);
//   - unhandled failure (malformed payload, missing key, pipeline crash,
//     result publish failure): message negative-acknowledged so the broker
//     redelivers, possibly to another replica.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/PenroseAI/penrose/engine/reason"
	"github.com/PenroseAI/penrose/engine/telemetry"
	"github.com/PenroseAI/penrose/pkg/fn"
)

const fetchBatch = 16

// fetchMaxWait bounds each receive so shutdown stays prompt.
const fetchMaxWait = 5 * time.Second

// Invoker runs the reasoning pipeline for one request.
type Invoker interface {
	Invoke(ctx context.Context, userID, text string) (string, error)
}

// Options configures the consumer.
type Options struct {
	URL            string
	StreamName     string
	RequestSubject string
	ResultSubject  string
	Durable        string
	MaxInflight    int64
	ContentTracing bool
}

// Request is the inbound durable payload. All three keys are required;
// a missing key is a malformed message and takes the redelivery path.
type Request struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

// Result is the published success payload.
type Result struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
}

// ErrorResult is the published graceful-failure payload. It carries no
// "text" key: consumers distinguish outcomes by the presence of "error".
type ErrorResult struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	LatencyMS int64  `json:"latency_ms"`
}

// ackMsg is the slice of a JetStream message the processor touches.
type ackMsg interface {
	Data() []byte
	Ack() error
	Nak() error
}

// publisher abstracts result publishing.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type jsPublisher struct{ js jetstream.JetStream }

func (p jsPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// Consumer is the durable transport ingress.
type Consumer struct {
	pipeline Invoker
	rec      *telemetry.Recorder
	opts     Options
	logger   *slog.Logger

	nc     *nats.Conn
	cons   jetstream.Consumer
	pub    publisher
	sem    *semaphore.Weighted
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Consumer. Call Start to connect and begin receiving.
func New(pipeline Invoker, rec *telemetry.Recorder, opts Options, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 64
	}
	return &Consumer{
		pipeline: pipeline,
		rec:      rec,
		opts:     opts,
		logger:   logger,
		sem:      semaphore.NewWeighted(opts.MaxInflight),
	}
}

// Start connects, ensures the stream and the shared durable consumer exist,
// and launches the receive loop.
func (c *Consumer) Start(ctx context.Context) error {
	res := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Second,
		MaxWait:     10 * time.Second,
		Jitter:      true,
	}, func(context.Context) fn.Result[*nats.Conn] {
		return fn.FromPair(nats.Connect(c.opts.URL))
	})
	nc, err := res.Unwrap()
	if err != nil {
		return err
	}
	c.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	c.pub = jsPublisher{js: js}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.StreamName,
		Subjects: []string{c.opts.RequestSubject, c.opts.ResultSubject},
	}); err != nil {
		return err
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       c.opts.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.opts.RequestSubject,
		MaxAckPending: int(c.opts.MaxInflight) * 2,
	})
	if err != nil {
		return err
	}
	c.cons = cons

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.receiveLoop(loopCtx)
	return nil
}

// receiveLoop fetches bounded batches and dispatches each message to a
// worker goroutine so long inferences do not stall receipt. In-flight
// workers are bounded by the semaphore; a redelivery storm backpressures
// into the broker instead of spawning without limit.
func (c *Consumer) receiveLoop(ctx context.Context) {
	defer close(c.done)
	for ctx.Err() == nil {
		batch, err := c.cons.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			// Timeout or transient error; keep the loop alive.
			continue
		}
		for msg := range batch.Messages() {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				// Shutting down: leave the message to the broker.
				_ = msg.Nak()
				continue
			}
			c.wg.Add(1)
			go func(m jetstream.Msg) {
				defer c.wg.Done()
				defer c.sem.Release(1)
				// Detach from loop cancellation: in-flight messages
				// finish during shutdown; Close waits for them.
				c.process(context.WithoutCancel(ctx), m)
			}(msg)
		}
	}
}

// process drives one message to its terminal outcome. Exactly one of
// Ack/Nak is called; Ack happens iff a result was published.
func (c *Consumer) process(ctx context.Context, msg ackMsg) {
	ctx = telemetry.WithTransport(ctx, telemetry.TransportDurable)
	start := time.Now()
	c.rec.IncRequests(ctx, telemetry.TransportDurable)

	var req Request
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		c.redeliver(ctx, msg, "decode failed", err)
		return
	}
	if req.RequestID == "" || req.UserID == "" || req.Text == "" {
		c.redeliver(ctx, msg, "missing required key", nil)
		return
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.invoke")
	span.SetAttributes(
		attribute.String("transport", telemetry.TransportDurable),
		attribute.String("request_id", req.RequestID),
	)
	defer span.End()

	reply, err := c.pipeline.Invoke(ctx, req.UserID, req.Text)
	latencyMS := time.Since(start).Milliseconds()

	var graceful *reason.GracefulError
	switch {
	case err == nil:
		out, _ := json.Marshal(Result{
			RequestID: req.RequestID,
			UserID:    req.UserID,
			Text:      reply,
			LatencyMS: latencyMS,
		})
		if pubErr := c.pub.Publish(ctx, c.opts.ResultSubject, out); pubErr != nil {
			c.redeliver(ctx, msg, "result publish failed", pubErr)
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("ack failed", "request_id", req.RequestID, "err", ackErr)
		}
		c.rec.ObserveLatency(ctx, telemetry.TransportDurable, latencyMS)
		telemetry.AddContentAttributes(span, req.Text, reply, c.opts.ContentTracing)

	case errors.As(err, &graceful):
		// Processed, reply is the apology: publish under "error" and ack.
		out, _ := json.Marshal(ErrorResult{
			RequestID: req.RequestID,
			Error:     graceful.Message,
			LatencyMS: latencyMS,
		})
		if pubErr := c.pub.Publish(ctx, c.opts.ResultSubject, out); pubErr != nil {
			c.redeliver(ctx, msg, "error result publish failed", pubErr)
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("ack failed", "request_id", req.RequestID, "err", ackErr)
		}
		c.rec.IncErrors(ctx, telemetry.TransportDurable)

	default:
		span.RecordError(err)
		c.redeliver(ctx, msg, "pipeline failed", err)
	}
}

// redeliver is the single Path B exit: count the error and hand the message
// back to the broker.
func (c *Consumer) redeliver(ctx context.Context, msg ackMsg, cause string, err error) {
	c.rec.IncErrors(ctx, telemetry.TransportDurable)
	c.logger.Warn("message redelivery", "cause", cause, "err", err)
	if nakErr := msg.Nak(); nakErr != nil {
		c.logger.Warn("nak failed", "cause", cause, "err", nakErr)
	}
}

// IsConnected reports whether the broker connection is active.
func (c *Consumer) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close stops the receive loop, waits for it and for in-flight workers,
// then drains the connection.
func (c *Consumer) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.wg.Wait()
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.logger.Warn("stream drain failed", "err", err)
		}
		c.nc = nil
	}
}
