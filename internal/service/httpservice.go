package service

import (
	"context"

	"github.com/meidoworks/nekoq-replicator/internal/httpserver"
)

// HttpServiceContainer binds services onto one http listener.
type HttpServiceContainer struct {
	h *httpserver.HttpServer
}

func NewHttpServiceContainer(h *httpserver.HttpServer) *HttpServiceContainer {
	return &HttpServiceContainer{
		h: h,
	}
}

func (h *HttpServiceContainer) SetupAdmin(a *AdminService) *HttpServiceContainer {
	a.Register(h.h)
	return h
}

func (h *HttpServiceContainer) SetupDml(d *DmlService) *HttpServiceContainer {
	d.Register(h.h)
	return h
}

func (h *HttpServiceContainer) Server() *httpserver.HttpServer {
	return h.h
}

func (h *HttpServiceContainer) Startup() error {
	return h.h.Startup()
}

func (h *HttpServiceContainer) Stop(ctx context.Context) error {
	return h.h.Stop(ctx)
}
