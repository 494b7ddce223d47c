// Package messaging implements the Event & Messaging Fabric: durable,
// at-least-once delivery of domain events over NATS JetStream, with
// subject-based fan-out to streaming observers.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/babushkai/agentorchestrators/internal/core/resilience"
)

// streamDef is one JetStream stream's subject set and retention policy.
type streamDef struct {
	subjects []string
	maxMsgs  int64
	maxAge   time.Duration
}

// Streams is the six-stream subject table: TASKS (task lifecycle), AGENTS
// (agent commands/events), WORKFLOWS (definitions/executions), RESULTS
// (terminal task outcomes), WORKERS (heartbeats, short-lived), OBSERVE
// (real-time fan-out to streaming observers, shortest-lived of all).
var Streams = map[string]streamDef{
	"TASKS":     {subjects: []string{"TASKS.*"}, maxMsgs: 100_000, maxAge: 7 * 24 * time.Hour},
	"AGENTS":    {subjects: []string{"AGENTS.*", "AGENTS.commands.*", "AGENTS.events.>"}, maxMsgs: 100_000, maxAge: 7 * 24 * time.Hour},
	"WORKFLOWS": {subjects: []string{"WORKFLOWS.*", "WORKFLOWS.execution.*", "WORKFLOWS.events.*"}, maxMsgs: 100_000, maxAge: 30 * 24 * time.Hour},
	"RESULTS":   {subjects: []string{"RESULTS.*"}, maxMsgs: 100_000, maxAge: 7 * 24 * time.Hour},
	"WORKERS":   {subjects: []string{"WORKERS.*"}, maxMsgs: 10_000, maxAge: time.Hour},
	"OBSERVE":   {subjects: []string{"OBSERVE.*"}, maxMsgs: 1_000, maxAge: time.Minute},
}

const maxDeliver = 3

var tracer = otel.Tracer("orchestrator-messaging")
var propagator = propagation.TraceContext{}

// Fabric wraps a NATS connection and JetStream context, provisioning the
// six-stream table on Connect and rate-limiting outbound publishes.
type Fabric struct {
	nc *nats.Conn
	js nats.JetStreamContext

	limiter *resilience.HybridRateLimiter
	logger  *slog.Logger

	published metric.Int64Counter
	delivered metric.Int64Counter
	deadLettered metric.Int64Counter
	nakked    metric.Int64Counter
}

// Config holds the connection parameters read from the environment.
type Config struct {
	Servers             []string
	ConnectTimeout      time.Duration
	MaxReconnectAttempts int
	User                string
	Password            string
	Token               string
}

// Connect dials NATS, opens a JetStream context, and provisions every
// stream in the Streams table (create, falling back to update when the
// stream already exists with an older config).
func Connect(cfg Config, meter metric.Meter, logger *slog.Logger) (*Fabric, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Timeout(orDefault(cfg.ConnectTimeout, 5*time.Second)),
		nats.MaxReconnects(orDefaultInt(cfg.MaxReconnectAttempts, 10)),
		nats.ReconnectWait(time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
		nats.DisconnectErrHandler(func(*nats.Conn, error) {
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.User != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	} else if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	servers := cfg.Servers
	if len(servers) == 0 {
		servers = []string{nats.DefaultURL}
	}
	nc, err := nats.Connect(joinServers(servers), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	published, _ := meter.Int64Counter("orchestrator_messaging_published_total")
	delivered, _ := meter.Int64Counter("orchestrator_messaging_delivered_total")
	deadLettered, _ := meter.Int64Counter("orchestrator_messaging_dead_lettered_total")
	nakked, _ := meter.Int64Counter("orchestrator_messaging_nak_total")

	f := &Fabric{
		nc:           nc,
		js:           js,
		limiter:      resilience.NewHybridRateLimiter(200, 100, 1000, 5*time.Millisecond),
		logger:       logger.With("component", "messaging"),
		published:    published,
		delivered:    delivered,
		deadLettered: deadLettered,
		nakked:       nakked,
	}
	if err := f.initStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return f, nil
}

func (f *Fabric) initStreams() error {
	for name, def := range Streams {
		cfg := &nats.StreamConfig{
			Name:      name,
			Subjects:  def.subjects,
			Retention: nats.LimitsPolicy,
			MaxMsgs:   def.maxMsgs,
			MaxAge:    def.maxAge,
		}
		if _, err := f.js.AddStream(cfg); err != nil {
			if _, uerr := f.js.UpdateStream(cfg); uerr != nil {
				f.logger.Warn("failed to create or update stream", "stream", name, "error", err)
			}
		}
	}
	return nil
}

func (f *Fabric) Close() {
	f.nc.Drain()
	f.limiter.Stop()
}

// Publish sends a JSON-encoded event to subject, trace-context propagated
// via NATS headers, rate-limited by the hybrid limiter.
func (f *Fabric) Publish(ctx context.Context, subject string, payload any) error {
	if err := f.limiter.AllowOrWait(ctx); err != nil {
		return fmt.Errorf("publish %s: rate limited: %w", subject, err)
	}

	ctx, span := tracer.Start(ctx, "messaging.publish", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}

	if _, err := f.js.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	f.published.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
	return nil
}

// Handler processes one delivered message. Returning an error naks the
// message for redelivery (up to maxDeliver); returning nil acks it.
type Handler func(ctx context.Context, data []byte) error

// Subscribe creates a durable, queue-grouped JetStream consumer on subject.
// A message whose delivery count (the first delivery included) has reached
// maxDeliver is published to "<subject>.dead-letter" and acked (terminated)
// instead of naked again, so a poison message cannot loop forever.
func (f *Fabric) Subscribe(subject, queue, durable string, handler Handler) (*nats.Subscription, error) {
	return f.js.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := tracer.Start(ctx, "messaging.consume", trace.WithAttributes(attribute.String("subject", m.Subject)), trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		if err := handler(ctx, m.Data); err != nil {
			span.RecordError(err)
			meta, metaErr := m.Metadata()
			if metaErr == nil && meta.NumDelivered >= maxDeliver {
				f.deadLetter(ctx, m)
				m.Term()
				return
			}
			f.nakked.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", m.Subject)))
			m.Nak()
			return
		}
		f.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", m.Subject)))
		m.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckWait(30*time.Second), nats.MaxDeliver(maxDeliver), nats.DeliverAll())
}

func (f *Fabric) deadLetter(ctx context.Context, m *nats.Msg) {
	f.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", m.Subject)))
	dlSubject := m.Subject + ".dead-letter"
	if _, err := f.js.Publish(dlSubject, m.Data); err != nil {
		f.logger.Error("failed to publish dead letter", "subject", dlSubject, "error", err)
	}
}

// Request sends subject/payload and blocks for a single reply, used by the
// control plane (e.g. a cancel or approval command expecting acknowledgment).
func (f *Fabric) Request(ctx context.Context, subject string, payload any, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", subject, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := f.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func joinServers(servers []string) string {
	out := servers[0]
	for _, s := range servers[1:] {
		out += "," + s
	}
	return out
}
