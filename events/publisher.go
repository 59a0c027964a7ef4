// Package events publishes terminal sync runs to Kafka.
package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"gym_capacity/config"
	"gym_capacity/models"
)

const (
	EventTypeRunFinished = "sync_run.finished"
	publishTimeout       = 10 * time.Second
	eventQueueSize       = 64
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RunEvent is the message body for a finished sync run.
type RunEvent struct {
	EventID    string               `json:"event_id"`
	EventType  string               `json:"event_type"`
	OccurredAt time.Time            `json:"occurred_at"`
	Run        models.SyncRun       `json:"run"`
	Readings   []models.Observation `json:"readings"`
}

// Publisher implements the collector's run observer by writing one Kafka
// message per terminal run, keyed by run id. Runs are queued and sent from
// Serve so a slow broker never holds up the engine.
type Publisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
	queue  chan models.RunReport
}

func NewPublisher(cfg config.EventsConfig) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newPublisher(w, cfg.Topic)
}

func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{
		writer: w,
		topic:  topic,
		now:    time.Now,
		queue:  make(chan models.RunReport, eventQueueSize),
	}
}

// RunFinished queues the run. A full queue drops the event with a warning.
func (p *Publisher) RunFinished(_ context.Context, report models.RunReport) {
	select {
	case p.queue <- report:
	default:
		log.Warn().Int64("run_id", report.Run.ID).Str("topic", p.topic).Msg("Event queue full, dropping run event")
	}
}

// Serve sends queued events until ctx is cancelled, then flushes what is left.
func (p *Publisher) Serve(ctx context.Context) error {
	for {
		select {
		case report := <-p.queue:
			p.send(ctx, report)
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case report := <-p.queue:
					p.send(flushCtx, report)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (p *Publisher) String() string {
	return "event-publisher"
}

func (p *Publisher) send(ctx context.Context, report models.RunReport) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, report); err != nil {
		log.Warn().Err(err).Int64("run_id", report.Run.ID).Str("topic", p.topic).Msg("Failed to publish run event")
	}
}

func (p *Publisher) Publish(ctx context.Context, report models.RunReport) error {
	readings := report.Readings
	if readings == nil {
		readings = []models.Observation{}
	}
	ev := RunEvent{
		EventID:    uuid.NewString(),
		EventType:  EventTypeRunFinished,
		OccurredAt: p.now().UTC(),
		Run:        report.Run,
		Readings:   readings,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(report.Run.ID, 10)),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeRunFinished)},
			{Key: "status", Value: []byte(report.Run.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", p.topic, err)
	}

	log.Debug().Str("event_id", ev.EventID).Int64("run_id", report.Run.ID).Msg("Run event published")
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
