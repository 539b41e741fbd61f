package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/message-dispatcher/internal/cache"
	"github.com/nimasrn/message-dispatcher/internal/delivery"
	"github.com/nimasrn/message-dispatcher/internal/dispatcher"
	"github.com/nimasrn/message-dispatcher/internal/handlers"
	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/internal/processor"
	"github.com/nimasrn/message-dispatcher/internal/queue"
	"github.com/nimasrn/message-dispatcher/internal/repository"
	"github.com/nimasrn/message-dispatcher/internal/services"
	xhttp "github.com/nimasrn/message-dispatcher/pkg/http"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
	"github.com/nimasrn/message-dispatcher/test/fixtures"
	"github.com/nimasrn/message-dispatcher/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type TestEnvironment struct {
	Redis        *miniredis.Miniredis
	RedisAdapter redis.RedisAdapter
	QueueConfig  queue.QueueConfig
	Publisher    *queue.Queue
	MessageRepo  *repository.MessageRepository
	Cache        *cache.DeliveryCache
	Webhook      *helpers.WebhookStub
	Dispatcher   *dispatcher.BatchDispatcher
	Service      *processor.ProcessorService
	API          xhttp.RequestHandler
}

func setupE2EEnvironment(t *testing.T, webhookStatus int) *TestEnvironment {
	t.Helper()

	db := helpers.SetupTestDB(t)
	mr, adapter := helpers.SetupTestRedis(t)
	client, stub := helpers.StartWebhook(t, webhookStatus)

	qc := queue.QueueConfig{
		Name:              "test:deliveries",
		ConsumerGroup:     "dispatcher",
		ConsumerName:      "e2e",
		MaxAttempts:       3,
		VisibilityTimeout: 200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
	publisher, err := queue.NewQueue(adapter, qc)
	require.NoError(t, err)

	messageRepo := repository.NewMessageRepository(db)
	deliveryCache := cache.NewDeliveryCache(adapter, cache.DefaultDeliveryCacheConfig())

	worker := delivery.NewWorker(messageRepo, deliveryCache, client, processor.NewQueueReconciler(publisher), logger.Nop(), delivery.Config{
		AttemptTimeout: time.Second,
		MaxAttempts:    qc.MaxAttempts,
		WriteRetries:   1,
		WriteBackoff:   time.Millisecond,
		WriteTimeout:   time.Second,
	})
	lock := processor.NewDeliveryLock(adapter, processor.DeliveryLockConfig{TTL: time.Second})
	svc, err := processor.NewProcessorService(adapter, processor.ServiceConfig{
		Queue:     qc,
		Consumers: 2,
		Workers:   4,
	}, processor.NewDeliveryProcessor(worker, lock))
	require.NoError(t, err)

	opts := xhttp.DefaultServerOption
	opts.Logger = logger.Nop()
	engine := xhttp.NewServer(opts)
	g := engine.Router.Group("/api/v1")
	handlers.RegisterMessageRoutes(g, handlers.NewMessageHandler(services.NewMessageService(messageRepo, deliveryCache, services.DefaultMaxContentLength)))

	env := &TestEnvironment{
		Redis:        mr,
		RedisAdapter: adapter,
		QueueConfig:  qc,
		Publisher:    publisher,
		MessageRepo:  messageRepo,
		Cache:        deliveryCache,
		Webhook:      stub,
		Dispatcher:   dispatcher.NewBatchDispatcher(messageRepo, queue.NewTaskSubmitter(publisher), dispatcher.SleepPacer{}, logger.Nop()),
		Service:      svc,
		API:          engine.Handler(),
	}
	t.Cleanup(env.Cleanup)
	return env
}

func (env *TestEnvironment) Cleanup() {
	env.Service.Stop()
	_ = env.Publisher.Stop(time.Second)
}

func (env *TestEnvironment) do(method, uri string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	env.API(ctx)
	return ctx
}

func (env *TestEnvironment) createMessage(t *testing.T, phone, content string) int64 {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"phone_number": phone, "content": content})
	ctx := env.do("POST", "/api/v1/messages", body)
	require.Equal(t, 201, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	var resp struct {
		Data model.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	return resp.Data.ID
}

func (env *TestEnvironment) countStatus(t *testing.T, status model.MessageStatus) int64 {
	n, err := env.MessageRepo.CountByStatus(context.Background(), status)
	require.NoError(t, err)
	return n
}

func TestE2E_CreateDispatchAndDeliver(t *testing.T) {
	env := setupE2EEnvironment(t, 202)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, env.createMessage(t, fixtures.ValidPhoneNumbers[i], fmt.Sprintf("message %d", i)))
	}
	assert.Equal(t, int64(3), env.countStatus(t, model.MessageStatusPending))

	pending := env.do("GET", "/api/v1/messages/pending", nil)
	require.Equal(t, 200, pending.Response.StatusCode())
	assert.Contains(t, string(pending.Response.Body()), `"count":3`)

	n, err := env.Dispatcher.Dispatch(ctx, 10, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, env.Service.Start())
	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.countStatus(t, model.MessageStatusSent) == 3
	}, "messages were not delivered")

	assert.Equal(t, int64(3), env.Webhook.Calls())
	for _, id := range ids {
		delivered, err := env.Cache.Has(ctx, id)
		require.NoError(t, err)
		assert.True(t, delivered, "message %d not cached", id)

		msg, err := env.MessageRepo.FindByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, msg.ExternalID)
		assert.NotEmpty(t, *msg.ExternalID)
		assert.NotNil(t, msg.SentAt)
	}

	list := env.do("GET", "/api/v1/messages", nil)
	require.Equal(t, 200, list.Response.StatusCode())
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Messages []struct {
				ID     int64 `json:"id"`
				Cached bool  `json:"cached"`
			} `json:"messages"`
			Count int `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(list.Response.Body(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Data.Count)
	for _, m := range resp.Data.Messages {
		assert.True(t, m.Cached, "message %d", m.ID)
	}

	// nothing pending any more
	n, err = env.Dispatcher.Dispatch(ctx, 10, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestE2E_DuplicateTasksDeliverOnce(t *testing.T) {
	env := setupE2EEnvironment(t, 202)
	ctx := context.Background()

	id := env.createMessage(t, fixtures.ValidPhoneNumbers[0], "only once")
	submitter := queue.NewTaskSubmitter(env.Publisher)
	task := model.DeliveryTask{MessageID: id, PhoneNumber: fixtures.ValidPhoneNumbers[0], Content: "only once"}
	for i := 0; i < 3; i++ {
		require.NoError(t, submitter.Submit(ctx, task))
	}

	require.NoError(t, env.Service.Start())
	helpers.AssertEventually(t, 5*time.Second, func() bool {
		stats, err := env.Publisher.GetStats(ctx)
		return err == nil && stats.PendingMessages == 0 && env.Service.Metrics().GetStats().Processed == 3
	}, "tasks were not processed")

	assert.Equal(t, int64(1), env.Webhook.Calls())
	assert.Equal(t, int64(1), env.countStatus(t, model.MessageStatusSent))
	stats, err := env.Publisher.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.DeadLetters)
}

func TestE2E_RetryAfterWebhookFailure(t *testing.T) {
	env := setupE2EEnvironment(t, 500)
	ctx := context.Background()

	id := env.createMessage(t, fixtures.ValidPhoneNumbers[0], "retry me")
	n, err := env.Dispatcher.Dispatch(ctx, 10, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, env.Service.Start())
	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.countStatus(t, model.MessageStatusFailed) == 1
	}, "failed attempt was not recorded")

	env.Webhook.SetStatus(202)
	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.countStatus(t, model.MessageStatusSent) == 1
	}, "message was not delivered on retry")

	assert.LessOrEqual(t, env.Webhook.Calls(), int64(3))
	delivered, err := env.Cache.Has(ctx, id)
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestE2E_ExhaustedDeliveryIsDeadLettered(t *testing.T) {
	env := setupE2EEnvironment(t, 500)
	ctx := context.Background()

	id := env.createMessage(t, fixtures.ValidPhoneNumbers[0], "never accepted")
	n, err := env.Dispatcher.Dispatch(ctx, 10, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, env.Service.Start())
	helpers.AssertEventually(t, 5*time.Second, func() bool {
		stats, err := env.Publisher.GetStats(ctx)
		return err == nil && stats.DeadLetters == 1
	}, "message was not dead-lettered")

	assert.Equal(t, int64(3), env.Webhook.Calls())

	msg, err := env.MessageRepo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	assert.Nil(t, msg.ExternalID)

	delivered, err := env.Cache.Has(ctx, id)
	require.NoError(t, err)
	assert.False(t, delivered)

	stats, err := env.Publisher.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PendingMessages)
}

func TestE2E_ValidationRejectsBeforeStore(t *testing.T) {
	env := setupE2EEnvironment(t, 202)

	for _, phone := range fixtures.InvalidPhoneNumbers {
		body, _ := json.Marshal(map[string]string{"phone_number": phone, "content": "hi"})
		ctx := env.do("POST", "/api/v1/messages", body)
		assert.Equal(t, 422, ctx.Response.StatusCode(), "phone %q", phone)
	}
	for _, content := range fixtures.InvalidContents {
		body, _ := json.Marshal(map[string]string{"phone_number": fixtures.ValidPhoneNumbers[0], "content": content})
		ctx := env.do("POST", "/api/v1/messages", body)
		assert.Equal(t, 422, ctx.Response.StatusCode(), "content %q", content)
	}
	for _, content := range fixtures.ValidContents {
		env.createMessage(t, fixtures.ValidPhoneNumbers[1], content)
	}

	assert.Equal(t, int64(len(fixtures.ValidContents)), env.countStatus(t, model.MessageStatusPending))
}
