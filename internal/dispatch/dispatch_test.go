package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-negotiation/internal/models"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	name  string
	fail  int
	err   error
	mu    sync.Mutex
	calls int
	got   []models.Notification
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	if r.calls <= r.fail {
		return errors.New("transient")
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recordingSink) delivered() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.got...)
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := NewDispatcher(Config{Workers: 2, Retries: 1}, quietLogger(), a, b)

	require.NoError(t, d.Notify(context.Background(), "rider-1", models.EventNewOffer, map[string]any{"offer_id": "o1"}))
	require.NoError(t, d.Close(context.Background()))

	for _, s := range []*recordingSink{a, b} {
		got := s.delivered()
		require.Len(t, got, 1)
		assert.Equal(t, "rider-1", got[0].UserID)
		assert.Equal(t, models.EventNewOffer, got[0].Type)
		assert.Equal(t, "o1", got[0].Payload["offer_id"])
		assert.NotEmpty(t, got[0].ID)
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	s := &recordingSink{name: "flaky", fail: 2}
	d := NewDispatcher(Config{Workers: 1, Retries: 3, Backoff: time.Millisecond}, quietLogger(), s)

	require.NoError(t, d.Notify(context.Background(), "u", models.EventOfferAccepted, nil))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 3, s.calls)
	assert.Len(t, s.delivered(), 1)
}

func TestDispatcherGivesUpAfterRetries(t *testing.T) {
	s := &recordingSink{name: "down", fail: 100}
	d := NewDispatcher(Config{Workers: 1, Retries: 2, Backoff: time.Millisecond}, quietLogger(), s)

	require.NoError(t, d.Notify(context.Background(), "u", models.EventOfferAccepted, nil))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 2, s.calls)
	assert.Empty(t, s.delivered())
}

func TestDispatcherDoesNotRetryMissingSession(t *testing.T) {
	s := &recordingSink{name: "ws", err: ErrNoSession}
	d := NewDispatcher(Config{Workers: 1, Retries: 5, Backoff: time.Millisecond}, quietLogger(), s)

	require.NoError(t, d.Notify(context.Background(), "u", models.EventOfferAccepted, nil))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, s.calls)
}

type blockingSink struct{ release chan struct{} }

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Deliver(ctx context.Context, n models.Notification) error {
	<-b.release
	return nil
}

func TestDispatcherQueueFullAndClosed(t *testing.T) {
	s := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Workers: 1, Queue: 1, Retries: 1}, quietLogger(), s)
	ctx := context.Background()

	// first is picked up by the worker and blocks, second fills the queue
	require.NoError(t, d.Notify(ctx, "u", models.EventNewOffer, nil))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Notify(ctx, "u", models.EventNewOffer, nil))
	assert.ErrorIs(t, d.Notify(ctx, "u", models.EventNewOffer, nil), ErrQueueFull)

	close(s.release)
	require.NoError(t, d.Close(ctx))
	assert.ErrorIs(t, d.Notify(ctx, "u", models.EventNewOffer, nil), ErrClosed)
}

func TestPushSinkPostsMessage(t *testing.T) {
	var body, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushSink(srv.URL, "secret")
	err := p.Deliver(context.Background(), models.Notification{ID: "n1", UserID: "d1", Type: models.EventNewRideRequest, Payload: map[string]any{"ride_id": "r1"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Contains(t, body, `"topic":"user.d1"`)
	assert.Contains(t, body, `"type":"new_ride_request"`)
}

func TestPushSinkReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewPushSink(srv.URL, "").Deliver(context.Background(), models.Notification{UserID: "d1"})
	assert.Error(t, err)
}

type fakeWriter struct{ msgs []kafka.Message }

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaSinkKeysByUser(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaSink{Writer: w}
	require.NoError(t, k.Deliver(context.Background(), models.Notification{ID: "n1", UserID: "rider-9", Type: models.EventNewOffer}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "rider-9", string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"type":"new_offer"`)
	assert.NoError(t, k.Close())
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestRabbitSinkRoutesByType(t *testing.T) {
	p := &fakePublisher{}
	r := &RabbitSink{Channel: p, Exchange: "negotiation"}
	require.NoError(t, r.Deliver(context.Background(), models.Notification{ID: "n1", UserID: "d1", Type: models.EventOfferRejected}))
	assert.Equal(t, "negotiation", p.exchange)
	assert.Equal(t, "notify.offer_rejected", p.key)
	assert.Equal(t, "n1", p.msg.MessageId)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, "d1", p.msg.Headers["user_id"])
}

type fakeInserter struct {
	docs []interface{}
	err  error
}

func (f *fakeInserter) InsertOne(ctx context.Context, doc interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, doc)
	return &mongo.InsertOneResult{}, nil
}

func TestMongoInboxStoresUnreadDocument(t *testing.T) {
	c := &fakeInserter{}
	m := &MongoInbox{Collection: c}
	require.NoError(t, m.Deliver(context.Background(), models.Notification{ID: "n1", UserID: "rider-1", Type: models.EventOfferAccepted}))
	require.Len(t, c.docs, 1)
	doc := c.docs[0].(bson.M)
	assert.Equal(t, "n1", doc["_id"])
	assert.Equal(t, false, doc["read"])
}

func TestMongoInboxTreatsDuplicateAsDelivered(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	m := &MongoInbox{Collection: &fakeInserter{err: dup}}
	assert.NoError(t, m.Deliver(context.Background(), models.Notification{ID: "n1"}))
}

func TestWSRegistryDeliversToSession(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("driver-1", conn)
		close(ready)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	<-ready

	assert.ErrorIs(t, reg.Deliver(context.Background(), models.Notification{UserID: "nobody"}), ErrNoSession)

	require.NoError(t, reg.Deliver(context.Background(), models.Notification{ID: "n1", UserID: "driver-1", Type: models.EventNewRideRequest}))
	var got models.Notification
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, models.EventNewRideRequest, got.Type)
}
