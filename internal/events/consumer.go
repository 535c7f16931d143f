package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Consumer defines the interface for event consumption
type Consumer interface {
	Start() error
	Close() error
}

// ResourceEventHandler reacts to resource lifecycle events published by the
// collaborator services (chat, library). Registering a resource records its
// owner grant; attaching wires it into a project's cascade.
type ResourceEventHandler interface {
	HandleResourceCreated(ctx context.Context, resourceType, resourceID, ownerID string) error
	HandleResourceAttached(ctx context.Context, projectID, resourceType, resourceID, actorID string) error
}

// EventConsumer implements the Consumer interface using RabbitMQ
type EventConsumer struct {
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	queueName string
	handler   ResourceEventHandler
	shutdown  chan struct{}
	wg        sync.WaitGroup
	enabled   bool
}

type ExchangeConfig struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp091.Table
}

type BindingConfig struct {
	Exchange   string
	RoutingKey string
}

func NewEventConsumer(rabbitURI string, handler ResourceEventHandler) (*EventConsumer, error) {
	if rabbitURI == "" {
		log.Println("Warning: RabbitMQ URI is empty, event consumption is disabled")
		return &EventConsumer{
			handler:  handler,
			shutdown: make(chan struct{}),
			enabled:  false,
		}, nil
	}

	conn, err := amqp091.Dial(rabbitURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = channel.Qos(
		10,    // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &EventConsumer{
		conn:      conn,
		channel:   channel,
		queueName: "access-service-events",
		handler:   handler,
		shutdown:  make(chan struct{}),
		enabled:   true,
	}, nil
}

// Start starts consuming events
func (c *EventConsumer) Start() error {
	if !c.enabled {
		log.Println("Event consumption is disabled, not starting consumer")
		return nil
	}

	exchanges := []ExchangeConfig{
		{
			Name:       "resource-events",
			Type:       "topic",
			Durable:    true,
			AutoDelete: false,
			Internal:   false,
			NoWait:     false,
		},
	}

	for _, exchange := range exchanges {
		err := c.channel.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			exchange.Internal,
			exchange.NoWait,
			exchange.Args,
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
		}
		log.Printf("Declared exchange: %s", exchange.Name)
	}

	_, err := c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	log.Printf("Declared queue: %s", c.queueName)

	bindings := []BindingConfig{
		{Exchange: "resource-events", RoutingKey: "resource.created"},
		{Exchange: "resource-events", RoutingKey: "resource.attached"},
	}

	for _, binding := range bindings {
		err := c.channel.QueueBind(
			c.queueName,        // queue name
			binding.RoutingKey, // routing key
			binding.Exchange,   // exchange
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue to exchange %s with key %s: %w",
				binding.Exchange, binding.RoutingKey, err)
		}
		log.Printf("Bound queue %s to exchange %s with routing key %s",
			c.queueName, binding.Exchange, binding.RoutingKey)
	}

	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(msgs)
	}()

	log.Println("Event consumer started and listening for resource events")
	return nil
}

func (c *EventConsumer) consume(msgs <-chan amqp091.Delivery) {
	for {
		select {
		case <-c.shutdown:
			log.Println("Stopping event consumer")
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Println("Message channel closed, reconnecting...")
				time.Sleep(5 * time.Second)
				return
			}

			err := c.processMessage(msg)
			if err != nil {
				log.Printf("FAILED to process message - Exchange: %s, RoutingKey: %s, Error: %v",
					msg.Exchange, msg.RoutingKey, err)
				log.Printf("Failed message body: %s", string(msg.Body))

				// Ack failed messages too; requeuing a malformed event
				// would loop forever.
				if ackErr := msg.Ack(false); ackErr != nil {
					log.Printf("Error acknowledging failed message: %v", ackErr)
				}
			} else {
				if err := msg.Ack(false); err != nil {
					log.Printf("Error acknowledging successful message: %v", err)
				}
			}
		}
	}
}

func (c *EventConsumer) processMessage(msg amqp091.Delivery) error {
	log.Printf("Processing message from exchange '%s' with routing key: %s", msg.Exchange, msg.RoutingKey)

	switch msg.RoutingKey {
	case "resource.created":
		return c.handleResourceCreated(msg.Body)
	case "resource.attached":
		return c.handleResourceAttached(msg.Body)
	default:
		log.Printf("Ignoring message with unhandled routing key: %s", msg.RoutingKey)
		return nil
	}
}

type resourceCreatedEvent struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	OwnerID      string `json:"owner_id"`
}

func (c *EventConsumer) handleResourceCreated(body []byte) error {
	var event resourceCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("failed to unmarshal resource.created event: %w", err)
	}

	if event.ResourceType == "" || event.ResourceID == "" || event.OwnerID == "" {
		return fmt.Errorf("resource.created event is missing required fields")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return c.handler.HandleResourceCreated(ctx, event.ResourceType, event.ResourceID, event.OwnerID)
}

type resourceAttachedEvent struct {
	ProjectID    string `json:"project_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	ActorID      string `json:"actor_id"`
}

func (c *EventConsumer) handleResourceAttached(body []byte) error {
	var event resourceAttachedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("failed to unmarshal resource.attached event: %w", err)
	}

	if event.ProjectID == "" || event.ResourceType == "" || event.ResourceID == "" {
		return fmt.Errorf("resource.attached event is missing required fields")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return c.handler.HandleResourceAttached(ctx, event.ProjectID, event.ResourceType, event.ResourceID, event.ActorID)
}

// Close stops the consumer and releases resources
func (c *EventConsumer) Close() error {
	if !c.enabled {
		return nil
	}

	close(c.shutdown)
	c.wg.Wait()

	var err error
	if c.channel != nil {
		err = c.channel.Close()
	}
	if c.conn != nil {
		err = c.conn.Close()
	}
	return err
}
