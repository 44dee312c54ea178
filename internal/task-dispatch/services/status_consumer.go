package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/segmentio/kafka-go"

	"task-dispatch-service/internal/task-dispatch/events"
	dispatchkafka "task-dispatch-service/internal/task-dispatch/kafka"
	"task-dispatch-service/internal/task-dispatch/metrics"
	"task-dispatch-service/internal/task-dispatch/workflow"
	"task-dispatch-service/pkg/validation"
)

// StatusReportSchema is the accepted shape of an operator device report.
const StatusReportSchema = `{
	"type": "object",
	"properties": {
		"tenant_id":   {"type": "string", "minLength": 1},
		"task_id":     {"type": "string", "minLength": 1},
		"actor_id":    {"type": "string", "minLength": 1},
		"status":      {"enum": ["IN_PROGRESS", "ACCEPTED", "CANCELED"]},
		"note":        {"type": "string"},
		"reported_at": {"type": "string"}
	},
	"required": ["tenant_id", "task_id", "actor_id", "status"]
}`

type StatusMetrics interface {
	ObserveStatusReport(outcome string)
}

const (
	defaultRedeliveryInterval    = 500 * time.Millisecond
	defaultRedeliveryMaxInterval = 30 * time.Second
)

var errReportNotSettled = errors.New("status report not settled")

// StatusConsumer applies field status reports from Kafka as lifecycle
// transitions. A report is committed once it is applied or rejected for
// good (invalid, conflicting, unknown task). Reports that fail on
// infrastructure are re-applied in place with backoff and stay uncommitted
// until they settle, so later offsets never commit past them.
type StatusConsumer struct {
	Reader  dispatchkafka.MessageReader
	Service *DispatchService
	Metrics StatusMetrics
	Retries int
	Log     zerolog.Logger

	RedeliveryInterval    time.Duration
	RedeliveryMaxInterval time.Duration

	schema *jsonschema.Schema
}

func NewStatusConsumer(reader dispatchkafka.MessageReader, svc *DispatchService, log zerolog.Logger) (*StatusConsumer, error) {
	sch, err := validation.Compile(StatusReportSchema)
	if err != nil {
		return nil, err
	}
	return &StatusConsumer{
		Reader:  reader,
		Service: svc,
		Metrics: metrics.Nop{},
		Retries: DefaultRetryAttempts,
		Log:     log.With().Str("component", "status_consumer").Logger(),

		RedeliveryInterval:    defaultRedeliveryInterval,
		RedeliveryMaxInterval: defaultRedeliveryMaxInterval,
		schema:                sch,
	}, nil
}

// Run fetches until ctx is canceled or the reader is closed.
func (c *StatusConsumer) Run(ctx context.Context) {
	c.Log.Info().Msg("status consumer started")
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.Log.Info().Msg("status consumer stopped")
				return
			}
			c.Log.Error().Err(err).Msg("error fetching status report")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !c.settle(ctx, msg) {
			c.Log.Info().Int64("offset", msg.Offset).Msg("status consumer stopped before report settled; left uncommitted")
			return
		}
		if err := c.Reader.CommitMessages(ctx, msg); err != nil {
			c.Log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit status report")
		}
	}
}

// settle handles msg until its outcome is final. It reports false when ctx
// ends first.
func (c *StatusConsumer) settle(ctx context.Context, msg kafka.Message) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = defaultRedeliveryInterval
	policy.MaxInterval = defaultRedeliveryMaxInterval
	if c.RedeliveryInterval > 0 {
		policy.InitialInterval = c.RedeliveryInterval
	}
	if c.RedeliveryMaxInterval > 0 {
		policy.MaxInterval = c.RedeliveryMaxInterval
	}
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		outcome := c.Handle(ctx, msg.Value)
		c.Metrics.ObserveStatusReport(outcome)
		if transientOutcome(outcome) {
			return errReportNotSettled
		}
		return nil
	}, backoff.WithContext(policy, ctx), func(_ error, wait time.Duration) {
		c.Log.Warn().Int64("offset", msg.Offset).Dur("retry_in", wait).Msg("status report not applied; retrying")
	})
	return err == nil
}

// transientOutcome reports whether a later attempt could change the outcome.
func transientOutcome(outcome string) bool {
	return outcome == metrics.OutcomeError || outcome == metrics.OutcomeWriteConflict
}

// Handle decodes, validates and applies one report and returns the metrics
// outcome.
func (c *StatusConsumer) Handle(ctx context.Context, raw []byte) string {
	report, err := c.decode(raw)
	if err != nil {
		c.Log.Warn().Err(err).Bytes("value", raw).Msg("discarding malformed status report")
		return metrics.OutcomeInvalid
	}

	log := c.Log.With().Str("tenant_id", report.TenantID).Str("task_id", report.TaskID).Str("status", report.Status).Logger()
	err = WithRetry(ctx, c.Retries, func() error {
		_, err := c.Service.Transition(ctx, report.TenantID, report.TaskID, report.ActorID, workflow.State(report.Status), report.Note)
		return err
	})
	outcome := outcomeOf(err)
	switch outcome {
	case metrics.OutcomeOK:
		log.Info().Msg("status report applied")
	case metrics.OutcomeError:
		log.Error().Err(err).Msg("failed to apply status report")
	default:
		log.Warn().Err(err).Msg("status report rejected")
	}
	return outcome
}

func (c *StatusConsumer) decode(raw []byte) (events.StatusReport, error) {
	var report events.StatusReport
	if err := validation.ValidateDocument(c.schema, raw); err != nil {
		return report, err
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return report, fmt.Errorf("failed to decode status report: %w", err)
	}
	return report, nil
}

func (c *StatusConsumer) Close() error {
	if c.Reader == nil {
		return nil
	}
	c.Log.Info().Msg("closing kafka reader")
	return c.Reader.Close()
}

var _ dispatchkafka.MessageReader = (*kafka.Reader)(nil)
