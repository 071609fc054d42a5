// Package events drains the history outbox into NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensandbox/workbench/internal/history"
)

const (
	// StreamName is the JetStream stream events are published to.
	StreamName = "WORKBENCH_EVENTS"
	// SubjectPrefix is followed by the instance id.
	SubjectPrefix = "workbench.events."

	syncInterval = 2 * time.Second
	batchSize    = 100
)

// Outbox is the part of a history store the publisher needs.
type Outbox interface {
	UnsyncedEvents(ctx context.Context, limit int) ([]history.Event, error)
	MarkEventsSynced(ctx context.Context, ids []int64) error
}

// JetStream is the publishing subset of nats.JetStreamContext.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Event is the JSON payload published to NATS.
type Event struct {
	Type       string          `json:"type"`
	InstanceID string          `json:"instance_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Publisher periodically publishes unsynced outbox events.
type Publisher struct {
	nc         *nats.Conn
	js         JetStream
	outbox     Outbox
	instanceID string
	interval   time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// Connect dials NATS, ensures the stream exists and returns a Publisher.
func Connect(natsURL, instanceID string, outbox Outbox) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("workbench-"+instanceID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Usually "stream name already in use".
		log.Printf("events: stream setup: %v", err)
	}

	p := NewPublisher(js, instanceID, outbox)
	p.nc = nc
	return p, nil
}

// NewPublisher builds a Publisher on an existing JetStream context.
func NewPublisher(js JetStream, instanceID string, outbox Outbox) *Publisher {
	return &Publisher{
		js:         js,
		outbox:     outbox,
		instanceID: instanceID,
		interval:   syncInterval,
		stop:       make(chan struct{}),
	}
}

// Subject returns the subject this publisher writes to.
func (p *Publisher) Subject() string {
	return SubjectPrefix + p.instanceID
}

// Start begins the sync loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("events: sync loop panic: %v", r)
			}
		}()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Sync(context.Background())
			case <-p.stop:
				// Final flush
				p.Sync(context.Background())
				return
			}
		}
	}()
}

// Stop stops the sync loop after a final flush and closes the connection.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Close()
	}
}

// Sync publishes one batch and returns how many events were acknowledged.
// Events that fail to publish stay in the outbox for the next round.
func (p *Publisher) Sync(ctx context.Context) int {
	events, err := p.outbox.UnsyncedEvents(ctx, batchSize)
	if err != nil {
		log.Printf("events: read outbox: %v", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	subject := p.Subject()
	var synced []int64
	for _, e := range events {
		data, _ := json.Marshal(Event{
			Type:       e.Type,
			InstanceID: p.instanceID,
			Payload:    json.RawMessage(e.Payload),
			Timestamp:  e.CreatedAt,
		})
		if _, err := p.js.Publish(subject, data); err != nil {
			log.Printf("events: publish event %d: %v", e.ID, err)
			continue
		}
		synced = append(synced, e.ID)
	}

	if err := p.outbox.MarkEventsSynced(ctx, synced); err != nil {
		log.Printf("events: mark synced: %v", err)
		return 0
	}
	if len(synced) > 0 {
		log.Printf("events: synced %d events to NATS", len(synced))
	}
	return len(synced)
}
