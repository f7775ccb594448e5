package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/catalog"
	"github.com/meidoworks/nekoq-replicator/internal/httpserver"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/replication"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

const AdminPasswordHeader = "X-Admin-Password"

var ErrUnauthorized = errors.New("admin password mismatch")

// LazyController is the part of the lazy engine driven by operators.
type LazyController interface {
	replication.Engine
	SetAutomatic(enabled bool)
	Status() replication.LazyStatus
	PendingReplications(adapter shared.AdapterId, partition shared.PartitionId) int
}

type AdminService struct {
	catalog  iface.Catalog
	engine   LazyController
	password string

	// ResyncTimeout bounds one manual re-sync request.
	ResyncTimeout time.Duration

	log *logrus.Entry
}

func NewAdminService(catalog iface.Catalog, engine LazyController, password string) *AdminService {
	return &AdminService{
		catalog:       catalog,
		engine:        engine,
		password:      password,
		ResyncTimeout: 5 * time.Minute,
		log:           logging.Component("service.admin"),
	}
}

func (a *AdminService) Register(h *httpserver.HttpServer) {
	h.Add(httpserver.MethodGet, "/admin/placements/:table", a.guard(a.placements))
	h.Add(httpserver.MethodGet, "/admin/status", a.guard(a.status))
	h.Add(httpserver.MethodPost, "/admin/replicate", a.guard(a.replicateAll))
	h.Add(httpserver.MethodPost, "/admin/replicate/tables/:table", a.guard(a.replicateTable))
	h.Add(httpserver.MethodPost, "/admin/replicate/tables/:table/adapters/:adapter", a.guard(a.replicateTableOnAdapter))
	h.Add(httpserver.MethodPost, "/admin/replicate/adapters/:adapter", a.guard(a.replicateAdapter))
	h.Add(httpserver.MethodPut, "/admin/config/capture/:enabled", a.guard(a.setCapture))
	h.Add(httpserver.MethodPut, "/admin/config/automatic/:enabled", a.guard(a.setAutomatic))
}

func (a *AdminService) guard(handler iface.HttpHandler) iface.HttpHandler {
	if a.password == "" {
		return handler
	}
	return func(request *http.Request, params httprouter.Params) (iface.HttpResult, error) {
		provided := request.Header.Get(AdminPasswordHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(a.password)) != 1 {
			a.log.Warnln("rejected admin request from", request.RemoteAddr, request.URL.Path)
			return iface.JsonErrorResult(http.StatusUnauthorized, ErrUnauthorized), nil
		}
		return handler(request, params)
	}
}

type PlacementView struct {
	TableId           shared.TableId           `json:"table_id"`
	PartitionId       shared.PartitionId       `json:"partition_id"`
	AdapterId         shared.AdapterId         `json:"adapter_id"`
	Strategy          string                   `json:"strategy"`
	State             string                   `json:"state"`
	Pending           int                      `json:"pending"`
	UpdateInformation shared.UpdateInformation `json:"update_information"`
}

type PlacementsResponse struct {
	Table      string          `json:"table"`
	Placements []PlacementView `json:"placements"`
}

func (a *AdminService) placements(_ *http.Request, params httprouter.Params) (iface.HttpResult, error) {
	table, err := resolveTable(a.catalog, params.ByName("table"))
	if err != nil {
		return errorResult(err), nil
	}
	placements, err := a.catalog.PartitionPlacementsByTable(table.Id)
	if err != nil {
		return nil, err
	}
	resp := PlacementsResponse{
		Table:      table.Name,
		Placements: make([]PlacementView, 0, len(placements)),
	}
	for _, pp := range placements {
		view := PlacementView{
			TableId:           pp.TableId,
			PartitionId:       pp.PartitionId,
			AdapterId:         pp.AdapterId,
			Strategy:          pp.Strategy.String(),
			State:             pp.State.String(),
			UpdateInformation: pp.UpdateInformation,
		}
		if pp.Strategy == a.engine.Strategy() {
			view.Pending = a.engine.PendingReplications(pp.AdapterId, pp.PartitionId)
		}
		resp.Placements = append(resp.Placements, view)
	}
	return iface.JsonResult(http.StatusOK, resp), nil
}

func (a *AdminService) status(_ *http.Request, _ httprouter.Params) (iface.HttpResult, error) {
	return iface.JsonResult(http.StatusOK, a.engine.Status()), nil
}

type ResultResponse struct {
	Result string `json:"result"`
}

func (a *AdminService) resync(request *http.Request, what string, fn func(ctx context.Context) error) (iface.HttpResult, error) {
	ctx, cancel := context.WithTimeout(request.Context(), a.ResyncTimeout)
	defer cancel()
	a.log.Infoln("manual replication requested:", what)
	if err := fn(ctx); err != nil {
		a.log.Errorln("manual replication failed:", what, err)
		return errorResult(err), nil
	}
	return iface.JsonResult(http.StatusOK, ResultResponse{Result: "ok"}), nil
}

func (a *AdminService) replicateAll(request *http.Request, _ httprouter.Params) (iface.HttpResult, error) {
	return a.resync(request, "all placements", a.engine.ReplicateAll)
}

func (a *AdminService) replicateTable(request *http.Request, params httprouter.Params) (iface.HttpResult, error) {
	table, err := resolveTable(a.catalog, params.ByName("table"))
	if err != nil {
		return errorResult(err), nil
	}
	return a.resync(request, "table "+table.Name, func(ctx context.Context) error {
		return a.engine.ReplicateTable(ctx, table.Id)
	})
}

func (a *AdminService) replicateTableOnAdapter(request *http.Request, params httprouter.Params) (iface.HttpResult, error) {
	table, err := resolveTable(a.catalog, params.ByName("table"))
	if err != nil {
		return errorResult(err), nil
	}
	adapter, err := parseAdapter(params.ByName("adapter"))
	if err != nil {
		return errorResult(err), nil
	}
	return a.resync(request, fmt.Sprintf("table %s on adapter %d", table.Name, adapter), func(ctx context.Context) error {
		return a.engine.ReplicateTableOnAdapter(ctx, table.Id, adapter)
	})
}

func (a *AdminService) replicateAdapter(request *http.Request, params httprouter.Params) (iface.HttpResult, error) {
	adapter, err := parseAdapter(params.ByName("adapter"))
	if err != nil {
		return errorResult(err), nil
	}
	return a.resync(request, fmt.Sprint("adapter ", adapter), func(ctx context.Context) error {
		return a.engine.ReplicateAdapter(ctx, adapter)
	})
}

type ToggleResponse struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (a *AdminService) setCapture(_ *http.Request, params httprouter.Params) (iface.HttpResult, error) {
	enabled, err := strconv.ParseBool(params.ByName("enabled"))
	if err != nil {
		return iface.JsonErrorResult(http.StatusBadRequest, err), nil
	}
	a.engine.SetCaptureEnabled(enabled)
	a.log.Infoln("capture enabled set to", enabled)
	return iface.JsonResult(http.StatusOK, ToggleResponse{Name: "capture", Enabled: a.engine.CaptureEnabled()}), nil
}

func (a *AdminService) setAutomatic(_ *http.Request, params httprouter.Params) (iface.HttpResult, error) {
	enabled, err := strconv.ParseBool(params.ByName("enabled"))
	if err != nil {
		return iface.JsonErrorResult(http.StatusBadRequest, err), nil
	}
	a.engine.SetAutomatic(enabled)
	return iface.JsonResult(http.StatusOK, ToggleResponse{Name: "automatic", Enabled: enabled}), nil
}

// resolveTable accepts either a table name or a numeric table id.
func resolveTable(c iface.Catalog, ref string) (*shared.Table, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return c.Table(shared.TableId(id))
	}
	for _, t := range c.Tables() {
		if t.Name == ref {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", catalog.ErrUnknownTable, ref)
}

func parseAdapter(ref string) (shared.AdapterId, error) {
	id, err := strconv.ParseInt(ref, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", catalog.ErrUnknownAdapter, ref)
	}
	return shared.AdapterId(id), nil
}

func errorResult(err error) iface.HttpResult {
	switch {
	case errors.Is(err, catalog.ErrUnknownTable),
		errors.Is(err, catalog.ErrUnknownAdapter),
		errors.Is(err, catalog.ErrUnknownPlacement),
		errors.Is(err, replication.ErrNoLazyPlacement):
		return iface.JsonErrorResult(http.StatusNotFound, err)
	case errors.Is(err, replication.ErrEngineClosed):
		return iface.JsonErrorResult(http.StatusServiceUnavailable, err)
	default:
		return iface.JsonErrorResult(http.StatusInternalServerError, err)
	}
}
