package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-negotiation/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the Kafka sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink appends every notification to an event topic keyed by user, so
// per-user order is kept within a partition.
type KafkaSink struct {
	Writer MessageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaSink{Writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Deliver(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	})
}

func (k *KafkaSink) Close() error {
	if c, ok := k.Writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Publisher is the subset of *amqp.Channel the RabbitMQ sink needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitSink publishes notifications to a topic exchange with routing key
// notify.<type>.
type RabbitSink struct {
	Channel  Publisher
	Exchange string
}

// DialRabbit connects to url and declares exchange as a durable topic exchange.
func DialRabbit(url, exchange string) (*RabbitSink, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitSink{Channel: ch, Exchange: exchange}, conn, nil
}

func (r *RabbitSink) Name() string { return "rabbitmq" }

func (r *RabbitSink) Deliver(ctx context.Context, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	err = r.Channel.PublishWithContext(ctx,
		r.Exchange,
		"notify."+string(n.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID,
			Timestamp:    n.CreatedAt,
			Headers:      amqp.Table{"user_id": n.UserID},
		})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Inserter is the subset of *mongo.Collection the inbox needs.
type Inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoInbox stores notifications in a per-user inbox collection so clients
// that were offline can catch up.
type MongoInbox struct {
	Collection Inserter
}

const inboxCollection = "notifications"

func ConnectMongoInbox(ctx context.Context, uri, database string) (*MongoInbox, *mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoInbox{Collection: client.Database(database).Collection(inboxCollection)}, client, nil
}

func (m *MongoInbox) Name() string { return "mongo" }

func (m *MongoInbox) Deliver(ctx context.Context, n models.Notification) error {
	doc := bson.M{
		"_id":        n.ID,
		"user_id":    n.UserID,
		"type":       string(n.Type),
		"payload":    n.Payload,
		"created_at": n.CreatedAt,
		"read":       false,
	}
	if _, err := m.Collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
