package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/logging"
)

type HttpMethod string

var (
	MethodGet    HttpMethod = http.MethodGet
	MethodPost   HttpMethod = http.MethodPost
	MethodPut    HttpMethod = http.MethodPut
	MethodDelete HttpMethod = http.MethodDelete
)

type HttpServer struct {
	router *httprouter.Router

	listenAddr string

	server *http.Server
	ln     net.Listener

	GeneralErrorHandler func(err error)

	log *logrus.Entry
	sync.Mutex
}

func NewHttpServer(addr string) *HttpServer {
	h := &HttpServer{
		router:     httprouter.New(),
		listenAddr: addr,
		log:        logging.Component("httpserver").WithField("addr", addr),
	}
	h.GeneralErrorHandler = func(err error) {
		h.log.Warnln("handle request failed:", err)
	}
	return h
}

func (h *HttpServer) Add(method HttpMethod, path string, handler iface.HttpHandler) {
	h.router.Handle(newHandle(method, path, handler, h.errorHandler))
}

// Handler exposes the routes without a listener.
func (h *HttpServer) Handler() http.Handler {
	return h.router
}

func (h *HttpServer) Startup() error {
	h.Lock()
	defer h.Unlock()
	ln, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:    h.listenAddr,
		Handler: h.router,
	}
	h.server = server
	h.ln = ln
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Errorln("http server:", err)
		}
	}()
	h.log.Infoln("http server started on", ln.Addr())
	return nil
}

// Addr is the bound listener address, useful when listening on port 0.
func (h *HttpServer) Addr() string {
	h.Lock()
	defer h.Unlock()
	if h.ln == nil {
		return h.listenAddr
	}
	return h.ln.Addr().String()
}

func (h *HttpServer) Stop(ctx context.Context) error {
	h.Lock()
	server := h.server
	h.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (h *HttpServer) errorHandler(err error) {
	if h.GeneralErrorHandler != nil {
		h.GeneralErrorHandler(err)
	}
}

func newHandle(m HttpMethod, p string, h iface.HttpHandler, ef func(err error)) (method, path string, handle httprouter.Handle) {
	return string(m), p, func(writer http.ResponseWriter, request *http.Request, params httprouter.Params) {
		r, err := h(request, params)
		if err != nil {
			ef(err)
			r = iface.JsonErrorResult(http.StatusInternalServerError, err)
		}
		if err := r.Render(writer); err != nil {
			ef(err)
		}
	}
}
