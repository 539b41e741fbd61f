package helpers

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/message-dispatcher/internal/repository"
	"github.com/nimasrn/message-dispatcher/internal/webhook"
	"github.com/nimasrn/message-dispatcher/pkg/pg"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func SetupTestDB(t *testing.T) *pg.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// every pooled connection to :memory: is its own database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&repository.MessageEntity{}))
	return pg.NewDB(db, db)
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	t.Helper()

	mr := miniredis.RunT(t)
	// adapters are cached by name
	connName := fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
	adapter, err := redis.NewRedisAdapter(connName, "", &redis.Options{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return mr, adapter
}

// WebhookStub is an in-memory webhook provider.
type WebhookStub struct {
	calls  atomic.Int64
	status atomic.Int64
}

func (s *WebhookStub) Calls() int64 { return s.calls.Load() }

// SetStatus changes the status code returned for the following requests.
func (s *WebhookStub) SetStatus(code int) { s.status.Store(int64(code)) }

func (s *WebhookStub) handle(ctx *fasthttp.RequestCtx) {
	n := s.calls.Add(1)
	code := int(s.status.Load())
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	if code == fasthttp.StatusAccepted {
		ctx.SetBodyString(fmt.Sprintf(`{"message":"Accepted","messageId":"ext-%d"}`, n))
		return
	}
	ctx.SetBodyString(`{"message":"Internal Server Error"}`)
}

// StartWebhook serves a WebhookStub on an in-memory listener and returns a
// client wired to it.
func StartWebhook(t *testing.T, status int) (*webhook.Client, *WebhookStub) {
	t.Helper()

	stub := &WebhookStub{}
	stub.SetStatus(status)

	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{Handler: stub.handle}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client, err := webhook.NewClient(webhook.Config{
		URL:     "http://webhook.test/send",
		AuthKey: "test-key",
		Timeout: 2 * time.Second,
		Dial: func(string) (net.Conn, error) {
			return ln.Dial()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, stub
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
