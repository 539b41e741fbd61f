package xhttp

import (
	"net"
	"os"
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/valyala/fasthttp"
)

type Server = fasthttp.Server

type ServerOption struct {
	// idle keep-alive connections are closed after this long
	IdleTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RequestTimeout is enforced by TimeoutMiddleware, not by the server
	RequestTimeout time.Duration

	MaxRequestBodySize int
	ReadBufferSize     int
	WriteBufferSize    int
	Concurrency        int
	MaxConnsPerIP      int

	Name   string
	Logger logger.Logger
}

var DefaultServerOption = ServerOption{
	IdleTimeout:        10 * time.Second,
	ReadTimeout:        2500 * time.Millisecond,
	WriteTimeout:       2500 * time.Millisecond,
	RequestTimeout:     5 * time.Second,
	MaxRequestBodySize: 1 * 1024 * 1024,
	ReadBufferSize:     1024 * 4,
	WriteBufferSize:    1024 * 4,
	Concurrency:        10_000,
	MaxConnsPerIP:      1_000,
}

type Engine struct {
	*Router
	*Server
	option ServerOption
	middle []MiddlewareFunc
}

func NewServer(options ServerOption) *Engine {
	lg := options.Logger
	if lg == nil {
		lg = logger.GetLogger()
	}

	return &Engine{
		Server: &fasthttp.Server{
			Handler:               NotFoundHandler,
			Name:                  options.Name,
			Concurrency:           options.Concurrency,
			ReadBufferSize:        options.ReadBufferSize,
			WriteBufferSize:       options.WriteBufferSize,
			ReadTimeout:           options.ReadTimeout,
			WriteTimeout:          options.WriteTimeout,
			IdleTimeout:           options.IdleTimeout,
			MaxConnsPerIP:         options.MaxConnsPerIP,
			MaxRequestBodySize:    options.MaxRequestBodySize,
			TCPKeepalive:          true,
			NoDefaultServerHeader: true,
			CloseOnShutdown:       true,
			ErrorHandler: func(ctx *RequestCtx, err error) {
				lg.Warn("[xhttp] request error", "error", err)
			},
			Logger: lg,
		},
		Router: CreateDefaultRouter(),
		option: options,
	}
}

func CreateServer() *Engine {
	return NewServer(DefaultServerOption)
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	e.Server.Logger.Printf("[xhttp] server is listening on %s", addr)
	return e.Server.ListenAndServe(addr)
}

// Serve is ListenAndServe on an existing listener.
func (e *Engine) Serve(ln net.Listener) error {
	e.DoRouting()
	return e.Server.Serve(ln)
}

// DoRouting installs the router as the server handler and wraps it with the
// registered middleware, first registered outermost.
func (e *Engine) DoRouting() {
	for method, routes := range e.Router.List() {
		for _, r := range routes {
			e.Server.Logger.Printf("[xhttp] method: %s, path: %s", method, r)
		}
	}

	handler := e.Router.Handler
	middle := slices.Clone(e.middle)
	slices.Reverse(middle)
	for i, m := range middle {
		handler = m(handler)
		e.Server.Logger.Printf("[xhttp] middleware %d registered - %s", i+1, runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	e.Server.Handler = handler
}

// Handler returns the routed, middleware-wrapped handler without starting
// a listener.
func (e *Engine) Handler() RequestHandler {
	e.DoRouting()
	return e.Server.Handler
}

func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

func (e *Engine) Shutdown() {
	e.Server.Logger.Printf("[xhttp] server is shutting down, process id: %d", os.Getpid())
	if err := e.Server.Shutdown(); err != nil {
		e.Server.Logger.Printf("[xhttp] error while shutting down: %v", err)
	}
}
