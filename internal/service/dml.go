package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/executor"
	"github.com/meidoworks/nekoq-replicator/internal/httpserver"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

const dmlOrigin = "DML Service"

type ModificationExecutor interface {
	Execute(ctx context.Context, tx iface.Transaction, m *shared.Modification, params []shared.ParameterBatch) (int64, error)
}

// DmlService runs each posted modification in its own captured transaction.
type DmlService struct {
	catalog  iface.Catalog
	manager  iface.TransactionManager
	executor ModificationExecutor

	log *logrus.Entry
}

func NewDmlService(catalog iface.Catalog, manager iface.TransactionManager, executor ModificationExecutor) *DmlService {
	return &DmlService{
		catalog:  catalog,
		manager:  manager,
		executor: executor,
		log:      logging.Component("service.dml"),
	}
}

func (d *DmlService) Register(h *httpserver.HttpServer) {
	h.Add(httpserver.MethodPost, "/services/dml", d.dml)
}

type DmlRequest struct {
	// Table is the table name or its numeric id.
	Table             string                  `json:"table"`
	Operation         string                  `json:"operation"`
	UpdateColumns     []string                `json:"update_columns,omitempty"`
	SourceExpressions []shared.Expression     `json:"source_expressions,omitempty"`
	InsertColumns     []string                `json:"insert_columns,omitempty"`
	InsertExpressions []shared.Expression     `json:"insert_expressions,omitempty"`
	Conditions        []shared.Condition      `json:"conditions,omitempty"`
	Parameters        []shared.ParameterBatch `json:"parameters,omitempty"`
}

type DmlResponse struct {
	TransactionId   shared.TransactionId `json:"tx_id"`
	Affected        int64                `json:"affected"`
	CommitTimestamp time.Time            `json:"commit_timestamp"`
}

var errBadRequest = errors.New("bad dml request")

func (d *DmlService) dml(request *http.Request, _ httprouter.Params) (iface.HttpResult, error) {
	req := new(DmlRequest)
	if err := json.NewDecoder(request.Body).Decode(req); err != nil {
		return iface.JsonErrorResult(http.StatusBadRequest, fmt.Errorf("%w: %w", errBadRequest, err)), nil
	}
	m, err := d.modification(req)
	if err != nil {
		return dmlErrorResult(err), nil
	}
	resp, err := d.run(request.Context(), m, req.Parameters)
	if err != nil {
		return dmlErrorResult(err), nil
	}
	return iface.JsonResult(http.StatusOK, resp), nil
}

func (d *DmlService) modification(req *DmlRequest) (*shared.Modification, error) {
	table, err := resolveTable(d.catalog, req.Table)
	if err != nil {
		return nil, err
	}
	op, err := shared.ParseOperation(req.Operation)
	if err != nil {
		return nil, err
	}
	return &shared.Modification{
		TableId:              table.Id,
		Operation:            op,
		UpdateColumnList:     req.UpdateColumns,
		SourceExpressionList: req.SourceExpressions,
		InsertColumnList:     req.InsertColumns,
		InsertExpressionList: req.InsertExpressions,
		ConditionList:        req.Conditions,
	}, nil
}

func (d *DmlService) run(ctx context.Context, m *shared.Modification, params []shared.ParameterBatch) (*DmlResponse, error) {
	tx, err := d.manager.StartTransaction(dmlOrigin, true)
	if err != nil {
		return nil, err
	}
	affected, err := d.executor.Execute(ctx, tx, m, params)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			d.log.Warnln("rollback transaction", tx.Id(), "failed:", rerr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	d.log.WithField("tx", tx.Id()).Debugln("executed", m.Operation, "on table", m.TableId, "affected", affected)
	return &DmlResponse{
		TransactionId:   tx.Id(),
		Affected:        affected,
		CommitTimestamp: tx.CommitTimestamp(),
	}, nil
}

func dmlErrorResult(err error) iface.HttpResult {
	switch {
	case errors.Is(err, shared.ErrInvalidModification),
		errors.Is(err, shared.ErrUnknownOperation),
		errors.Is(err, shared.ErrUnknownParameter),
		errors.Is(err, shared.ErrPartitionValueMissing),
		errors.Is(err, executor.ErrUnknownColumn),
		errors.Is(err, executor.ErrPartitionColumnUpdate):
		return iface.JsonErrorResult(http.StatusBadRequest, err)
	default:
		return errorResult(err)
	}
}
