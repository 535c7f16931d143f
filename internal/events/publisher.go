package events

import (
	"context"
	"log"
)

// Publisher is the audit sink. Implementations must be safe for concurrent
// use; publishing failures are the caller's to log, never to retry a
// credential check over.
type Publisher interface {
	PublishAuthEvent(ctx context.Context, eventType EventType, userID string, detail map[string]string) error
	PublishGrantEvent(ctx context.Context, eventType EventType, resourceType, resourceID, principalID, role, actorID string) error

	// Close closes the publisher and releases resources
	Close() error
}

type EventPublisher struct {
	rabbitMQ *RabbitMQClient
	enabled  bool
}

func NewEventPublisher(rabbitURI string) (*EventPublisher, error) {
	if rabbitURI == "" {
		log.Println("Warning: RabbitMQ URI is empty, audit publishing is disabled")
		return &EventPublisher{
			rabbitMQ: nil,
			enabled:  false,
		}, nil
	}

	client, err := NewRabbitMQClient(rabbitURI)
	if err != nil {
		return nil, err
	}

	err = client.setupExchangesAndQueues()
	if err != nil {
		client.Close()
		return nil, err
	}

	return &EventPublisher{
		rabbitMQ: client,
		enabled:  true,
	}, nil
}

func (p *EventPublisher) PublishAuthEvent(ctx context.Context, eventType EventType, userID string, detail map[string]string) error {
	if !p.enabled {
		return nil
	}

	event := NewAuthEvent(eventType, userID, detail)

	eventData, err := event.ToJSON()
	if err != nil {
		return err
	}

	err = p.rabbitMQ.PublishEvent("audit-events", "access."+string(eventType), eventData)
	if err != nil {
		return err
	}

	log.Printf("Published audit event %s for user ID: %s", eventType, userID)
	return nil
}

func (p *EventPublisher) PublishGrantEvent(ctx context.Context, eventType EventType, resourceType, resourceID, principalID, role, actorID string) error {
	if !p.enabled {
		return nil
	}

	event := NewGrantEvent(eventType, resourceType, resourceID, principalID, role, actorID)

	eventData, err := event.ToJSON()
	if err != nil {
		return err
	}

	err = p.rabbitMQ.PublishEvent("audit-events", "access."+string(eventType), eventData)
	if err != nil {
		return err
	}

	log.Printf("Published audit event %s for resource %s/%s", eventType, resourceType, resourceID)
	return nil
}

// Close releases resources
func (p *EventPublisher) Close() error {
	if !p.enabled || p.rabbitMQ == nil {
		return nil
	}

	return p.rabbitMQ.Close()
}
