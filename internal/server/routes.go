package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 50
	injectTimeout   = 2 * time.Second
)

type api struct {
	qs      *query.QueryService
	inject  *ingestion.Injector
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type route struct {
	method, pattern, name string
	h                     func(r *http.Request, params map[string]string) (int, interface{})
}

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []route{
		{"GET", "/v1/system", "system", a.getSystem},
		{"GET", "/v1/troves", "list_troves", a.listTroves},
		{"GET", "/v1/troves/{owner}", "get_trove", a.getTrove},
		{"GET", "/v1/wallets/{owner}", "get_wallet", a.getWallet},
		{"GET", "/v1/pool/deposits/{depositor}", "get_deposit", a.getDeposit},
		{"GET", "/v1/surplus/{owner}", "get_surplus", a.getSurplus},
		{"GET", "/v1/liquidations", "list_liquidations", a.listLiquidations},
		{"GET", "/v1/journals/{owner}", "list_journals", a.listJournals},
		{"GET", "/v1/admin/integrity", "verify_integrity", a.verifyIntegrity},
	}
	if a.inject != nil {
		routes = append(routes,
			route{"POST", "/v1/liquidations", "submit_liquidation", a.submitLiquidation},
			route{"POST", "/v1/admin/prices", "submit_price", a.submitPrice},
		)
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt)); err != nil {
			return err
		}
	}
	return nil
}

func (a *api) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		code, body := rt.h(r, params)
		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(rt.name, strconv.Itoa(code)).Inc()
			a.metrics.QueryDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
		writeJSON(w, code, body)
		if code >= http.StatusInternalServerError {
			a.logger.Error().Str("route", rt.name).Int("status", code).Interface("body", body).Msg("request failed")
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func fail(code int, err error) (int, interface{}) {
	return code, errorBody{Error: err.Error()}
}

// queryError maps query-layer errors to HTTP status codes.
func queryError(err error) (int, interface{}) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		return fail(http.StatusNotFound, err)
	case errors.Is(err, query.ErrInvalidPage):
		return fail(http.StatusBadRequest, err)
	case errors.Is(err, query.ErrNoDatabase):
		return fail(http.StatusServiceUnavailable, err)
	default:
		return fail(http.StatusInternalServerError, err)
	}
}

func pathID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, errors.New("invalid " + name + ": " + err.Error())
	}
	return id, nil
}

func intParam(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + s)
	}
	return v, nil
}

func (a *api) getSystem(r *http.Request, _ map[string]string) (int, interface{}) {
	return http.StatusOK, a.qs.GetSystem()
}

func (a *api) listTroves(r *http.Request, _ map[string]string) (int, interface{}) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	return http.StatusOK, map[string]interface{}{"troves": a.qs.ListTroves(int(limit))}
}

func (a *api) getTrove(r *http.Request, params map[string]string) (int, interface{}) {
	owner, err := pathID(params, "owner")
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	t, err := a.qs.GetTrove(owner)
	if err != nil {
		return queryError(err)
	}
	return http.StatusOK, t
}

func (a *api) getWallet(r *http.Request, params map[string]string) (int, interface{}) {
	owner, err := pathID(params, "owner")
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	return http.StatusOK, a.qs.GetWallet(owner)
}

func (a *api) getDeposit(r *http.Request, params map[string]string) (int, interface{}) {
	depositor, err := pathID(params, "depositor")
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	return http.StatusOK, a.qs.GetPoolDeposit(depositor)
}

func (a *api) getSurplus(r *http.Request, params map[string]string) (int, interface{}) {
	owner, err := pathID(params, "owner")
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	return http.StatusOK, a.qs.GetSurplus(owner)
}

func (a *api) listLiquidations(r *http.Request, _ map[string]string) (int, interface{}) {
	owner := uuid.Nil
	if s := r.URL.Query().Get("owner"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return fail(http.StatusBadRequest, errors.New("invalid owner: "+err.Error()))
		}
		owner = id
	}
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	before, err := intParam(r, "before", 0)
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	history, err := a.qs.GetLiquidationHistory(r.Context(), owner, int(limit), before)
	if err != nil {
		return queryError(err)
	}
	return http.StatusOK, map[string]interface{}{"liquidations": history}
}

func (a *api) listJournals(r *http.Request, params map[string]string) (int, interface{}) {
	owner, err := pathID(params, "owner")
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	before, err := intParam(r, "before", 0)
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}
	entries, err := a.qs.GetJournalHistory(r.Context(), owner, int(limit), before)
	if err != nil {
		return queryError(err)
	}
	return http.StatusOK, map[string]interface{}{"journals": entries}
}

func (a *api) verifyIntegrity(r *http.Request, _ map[string]string) (int, interface{}) {
	report, err := a.qs.VerifyIntegrity(r.Context())
	if err != nil {
		return queryError(err)
	}
	return http.StatusOK, report
}

type liquidationBody struct {
	Liquidator string   `json:"liquidator"`
	Entry      string   `json:"entry"`
	Owners     []string `json:"owners"`
	MaxCount   int      `json:"max_count"`
}

type acceptedBody struct {
	Accepted  bool   `json:"accepted"`
	RequestID string `json:"request_id,omitempty"`
}

// submitLiquidation queues a liquidation request. The outcome is published
// on the outbound stream and recorded in the liquidation history.
func (a *api) submitLiquidation(r *http.Request, _ map[string]string) (int, interface{}) {
	var body liquidationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return fail(http.StatusBadRequest, err)
	}
	liquidator, err := uuid.Parse(body.Liquidator)
	if err != nil {
		return fail(http.StatusBadRequest, errors.New("invalid liquidator: "+err.Error()))
	}
	owners := make([]uuid.UUID, 0, len(body.Owners))
	for _, s := range body.Owners {
		o, err := uuid.Parse(s)
		if err != nil {
			return fail(http.StatusBadRequest, errors.New("invalid owner: "+err.Error()))
		}
		owners = append(owners, o)
	}

	ctx, cancel := context.WithTimeout(r.Context(), injectTimeout)
	defer cancel()
	id, err := a.inject.InjectLiquidation(ctx, liquidator, event.LiquidationEntry(body.Entry), owners, body.MaxCount)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fail(http.StatusServiceUnavailable, errors.New("command queue full"))
	case err != nil:
		return fail(http.StatusBadRequest, err)
	}
	return http.StatusAccepted, acceptedBody{Accepted: true, RequestID: id.String()}
}

type priceBody struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

func (a *api) submitPrice(r *http.Request, _ map[string]string) (int, interface{}) {
	var body priceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return fail(http.StatusBadRequest, err)
	}
	price, err := fpmath.Parse(body.Price)
	if err != nil {
		return fail(http.StatusBadRequest, err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), injectTimeout)
	defer cancel()
	err = a.inject.InjectPrice(ctx, body.Asset, price)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fail(http.StatusServiceUnavailable, errors.New("command queue full"))
	case err != nil:
		return fail(http.StatusBadRequest, err)
	}
	return http.StatusAccepted, acceptedBody{Accepted: true}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
