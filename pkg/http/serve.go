package xhttp

import (
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

type Server = fasthttp.Server

const (
	StatusOK                  = fasthttp.StatusOK
	StatusFound               = fasthttp.StatusFound
	StatusBadRequest          = fasthttp.StatusBadRequest
	StatusUnauthorized        = fasthttp.StatusUnauthorized
	StatusForbidden           = fasthttp.StatusForbidden
	StatusNotFound            = fasthttp.StatusNotFound
	StatusRequestTimeout      = fasthttp.StatusRequestTimeout
	StatusTooManyRequests     = fasthttp.StatusTooManyRequests
	StatusInternalServerError = fasthttp.StatusInternalServerError
	StatusServiceUnavailable  = fasthttp.StatusServiceUnavailable
)

func StatusText(code int) string {
	return fasthttp.StatusMessage(code)
}

// ServerOption carries the tunables the API exposes through config. Zero
// values fall back to DefaultServerOption.
type ServerOption struct {
	Name               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ReadBufferSize     int
	WriteBufferSize    int
	MaxRequestBodySize int
	Concurrency        int
	MaxConnsPerIP      int
}

var DefaultServerOption = ServerOption{
	Name:               "email-gateway",
	ReadTimeout:        2500 * time.Millisecond,
	WriteTimeout:       2500 * time.Millisecond,
	IdleTimeout:        10 * time.Second,
	ReadBufferSize:     16 * 1024,
	WriteBufferSize:    16 * 1024,
	MaxRequestBodySize: 8 * 1024 * 1024, // bulk payloads with 1000 recipients
	Concurrency:        30_000,
	MaxConnsPerIP:      10_000,
}

func (o ServerOption) withDefaults() ServerOption {
	d := DefaultServerOption
	if o.Name != "" {
		d.Name = o.Name
	}
	if o.ReadTimeout > 0 {
		d.ReadTimeout = o.ReadTimeout
	}
	if o.WriteTimeout > 0 {
		d.WriteTimeout = o.WriteTimeout
	}
	if o.IdleTimeout > 0 {
		d.IdleTimeout = o.IdleTimeout
	}
	if o.ReadBufferSize > 0 {
		d.ReadBufferSize = o.ReadBufferSize
	}
	if o.WriteBufferSize > 0 {
		d.WriteBufferSize = o.WriteBufferSize
	}
	if o.MaxRequestBodySize > 0 {
		d.MaxRequestBodySize = o.MaxRequestBodySize
	}
	if o.Concurrency > 0 {
		d.Concurrency = o.Concurrency
	}
	if o.MaxConnsPerIP > 0 {
		d.MaxConnsPerIP = o.MaxConnsPerIP
	}
	return d
}

type Engine struct {
	*Router
	*Server
	middle []MiddlewareFunc
}

func NewServer(options ServerOption) *Engine {
	o := options.withDefaults()
	return &Engine{
		Router: CreateDefaultRouter(),
		Server: &fasthttp.Server{
			Name:                  o.Name,
			ReadTimeout:           o.ReadTimeout,
			WriteTimeout:          o.WriteTimeout,
			IdleTimeout:           o.IdleTimeout,
			ReadBufferSize:        o.ReadBufferSize,
			WriteBufferSize:       o.WriteBufferSize,
			MaxRequestBodySize:    o.MaxRequestBodySize,
			Concurrency:           o.Concurrency,
			MaxConnsPerIP:         o.MaxConnsPerIP,
			MaxIdleWorkerDuration: time.Minute,
			TCPKeepalive:          true,
			TCPKeepalivePeriod:    2 * time.Hour,
			NoDefaultServerHeader: true,
			NoDefaultDate:         true,
			NoDefaultContentType:  true,
			CloseOnShutdown:       true,
			Logger:                logger.GetLogger(),
			ErrorHandler: func(ctx *RequestCtx, err error) {
				logger.Warn("[xhttp] connection error", "error", err)
			},
		},
	}
}

func CreateServer() *Engine {
	return NewServer(DefaultServerOption)
}

// Use adds middleware to the chain. The first registered runs outermost.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Handler returns the router wrapped in the registered middleware.
func (e *Engine) Handler() RequestHandler {
	h := e.Router.Handler
	chain := slices.Clone(e.middle)
	slices.Reverse(chain)
	for _, m := range chain {
		h = m(h)
	}
	return h
}

func (e *Engine) DoRouting() {
	for method, routes := range e.Router.List() {
		for _, r := range routes {
			logger.Debug("[xhttp] route", "method", method, "path", r)
		}
	}
	for i, m := range e.middle {
		logger.Debug("[xhttp] middleware", "order", i+1, "name", runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	e.Server.Handler = e.Handler()
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	logger.Info("[xhttp] server is listening", "addr", addr)
	return e.Server.ListenAndServe(addr)
}

// Shutdown gracefully closes listeners and waits for in-flight requests.
func (e *Engine) Shutdown() {
	logger.Info("[xhttp] server is shutting down")
	if err := e.Server.Shutdown(); err != nil {
		logger.Error("[xhttp] error while shutting down", "error", err)
	}
}
