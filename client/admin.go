package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/meidoworks/nekoq-replicator/internal/replication"
	"github.com/meidoworks/nekoq-replicator/internal/service"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

var ErrRequestFailed = errors.New("admin request failed")

type errorBody struct {
	Error string `json:"error"`
}

// AdminClient talks to the admin and dml endpoints of a replicator node.
type AdminClient struct {
	endpoint string
	password string
	client   *resty.Client
}

func NewAdminClient(endpoint, password string) *AdminClient {
	return &AdminClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		password: password,
		client:   resty.New().SetTimeout(10 * time.Minute),
	}
}

func (a *AdminClient) request() *resty.Request {
	return a.client.R().
		SetHeaders(map[string]string{
			service.AdminPasswordHeader: a.password,
			"Accept":                    "application/json",
			"Content-Type":              "application/json",
		}).
		SetError(new(errorBody))
}

func (a *AdminClient) do(method, path string, body, out any) error {
	r := a.request()
	if body != nil {
		r.SetBody(body)
	}
	if out != nil {
		r.SetResult(out)
	}
	resp, err := r.Execute(method, a.endpoint+path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		msg := resp.Status()
		if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("%w: %s %s: %d %s", ErrRequestFailed, method, path, resp.StatusCode(), msg)
	}
	return nil
}

func (a *AdminClient) Placements(table string) (*service.PlacementsResponse, error) {
	out := new(service.PlacementsResponse)
	if err := a.do(http.MethodGet, "/admin/placements/"+url.PathEscape(table), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *AdminClient) Status() (*replication.LazyStatus, error) {
	out := new(replication.LazyStatus)
	if err := a.do(http.MethodGet, "/admin/status", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *AdminClient) ReplicateAll() error {
	return a.do(http.MethodPost, "/admin/replicate", nil, nil)
}

func (a *AdminClient) ReplicateTable(table string) error {
	return a.do(http.MethodPost, "/admin/replicate/tables/"+url.PathEscape(table), nil, nil)
}

func (a *AdminClient) ReplicateTableOnAdapter(table string, adapter shared.AdapterId) error {
	return a.do(http.MethodPost, fmt.Sprint("/admin/replicate/tables/", url.PathEscape(table), "/adapters/", adapter), nil, nil)
}

func (a *AdminClient) ReplicateAdapter(adapter shared.AdapterId) error {
	return a.do(http.MethodPost, fmt.Sprint("/admin/replicate/adapters/", adapter), nil, nil)
}

func (a *AdminClient) SetCapture(enabled bool) (bool, error) {
	return a.toggle("capture", enabled)
}

func (a *AdminClient) SetAutomatic(enabled bool) (bool, error) {
	return a.toggle("automatic", enabled)
}

func (a *AdminClient) toggle(name string, enabled bool) (bool, error) {
	out := new(service.ToggleResponse)
	if err := a.do(http.MethodPut, "/admin/config/"+name+"/"+strconv.FormatBool(enabled), nil, out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

// Dml posts a modification to a node's service endpoint.
func (a *AdminClient) Dml(req *service.DmlRequest) (*service.DmlResponse, error) {
	out := new(service.DmlResponse)
	if err := a.do(http.MethodPost, "/services/dml", req, out); err != nil {
		return nil, err
	}
	return out, nil
}
