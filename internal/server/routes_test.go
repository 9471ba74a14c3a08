package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/query"
	"TroveLedger/internal/server"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	srv    *httptest.Server
	engine *core.Engine
	events chan event.Event
	health *observability.HealthChecker
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	p := state.DefaultParams()
	p.Collaterals = []ledger.AssetID{ledger.AssetWETH}
	p.MaxPriceAge = 0
	feed := oracle.NewStore(0)
	_, err := feed.Update(ledger.AssetWETH, fpmath.Units(2000), 1, time.Now().UnixMicro())
	require.NoError(t, err)
	e, err := core.NewEngine(p, feed)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	events := make(chan event.Event, 4)
	health := observability.NewHealthChecker()
	h, err := server.NewHandler(&server.ServerDeps{
		QueryService:  query.NewQueryService(e, nil, func() int64 { return 7 }),
		Injector:      ingestion.NewInjector(events),
		HealthChecker: health,
		Metrics:       observability.NewMetricsWith(reg),
		Gatherer:      reg,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiHarness{srv: srv, engine: e, events: events, health: health}
}

func (h *apiHarness) open(t *testing.T, coll string) uuid.UUID {
	t.Helper()
	owner := uuid.New()
	colls := state.Amounts{ledger.AssetWETH: fpmath.MustParse(coll)}
	_, err := h.engine.OpenTrove(context.Background(), owner, colls, fpmath.Units(1800), uuid.Nil, time.Now().UnixMicro())
	require.NoError(t, err)
	return owner
}

func (h *apiHarness) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (h *apiHarness) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestGetSystem(t *testing.T) {
	h := newAPI(t)
	h.open(t, "2")

	code, body := h.get(t, "/v1/system")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["active_troves"])
	assert.Equal(t, "2", body["tcr"])
	assert.Equal(t, false, body["recovery_mode"])
	assert.Equal(t, "2000", body["active_debt"])
	assert.Equal(t, float64(7), body["as_of_sequence"])
}

func TestGetTrove(t *testing.T) {
	h := newAPI(t)
	owner := h.open(t, "3")

	code, body := h.get(t, "/v1/troves/"+owner.String())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, owner.String(), body["owner"])
	assert.Equal(t, "Active", body["status"])
	assert.Equal(t, "3", body["icr"])

	code, body = h.get(t, "/v1/troves/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "not found")

	code, _ = h.get(t, "/v1/troves/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListTroves(t *testing.T) {
	h := newAPI(t)
	safe := h.open(t, "5")
	risky := h.open(t, "2")

	code, body := h.get(t, "/v1/troves?limit=1")
	require.Equal(t, http.StatusOK, code)
	troves := body["troves"].([]interface{})
	require.Len(t, troves, 1)
	assert.Equal(t, risky.String(), troves[0].(map[string]interface{})["owner"])

	code, body = h.get(t, "/v1/troves")
	require.Equal(t, http.StatusOK, code)
	troves = body["troves"].([]interface{})
	require.Len(t, troves, 2)
	assert.Equal(t, safe.String(), troves[1].(map[string]interface{})["owner"])

	code, _ = h.get(t, "/v1/troves?limit=abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWalletAndDeposit(t *testing.T) {
	h := newAPI(t)
	owner := h.open(t, "2")

	code, body := h.get(t, "/v1/wallets/"+owner.String())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1800", body["balances"].(map[string]interface{})["USDE"])

	code, body = h.get(t, "/v1/pool/deposits/"+owner.String())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0", body["compounded"])

	code, _ = h.get(t, "/v1/surplus/"+owner.String())
	assert.Equal(t, http.StatusOK, code)
}

func TestHistoryWithoutDatabase(t *testing.T) {
	h := newAPI(t)

	code, body := h.get(t, "/v1/liquidations")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotEmpty(t, body["error"])

	code, _ = h.get(t, "/v1/liquidations?owner=bogus")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSubmitLiquidation(t *testing.T) {
	h := newAPI(t)
	owner := uuid.New()
	liquidator := uuid.New()

	code, body := h.post(t, "/v1/liquidations",
		`{"liquidator":"`+liquidator.String()+`","entry":"single","owners":["`+owner.String()+`"]}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["accepted"])

	select {
	case evt := <-h.events:
		req, ok := evt.(*event.LiquidationRequest)
		require.True(t, ok)
		assert.Equal(t, body["request_id"], req.RequestID.String())
		assert.Equal(t, liquidator, req.Liquidator)
		assert.Equal(t, []uuid.UUID{owner}, req.Owners)
	default:
		t.Fatal("no event injected")
	}
}

func TestSubmitLiquidation_Invalid(t *testing.T) {
	h := newAPI(t)
	liquidator := uuid.NewString()

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"bad liquidator", `{"liquidator":"x","entry":"sequential","max_count":1}`},
		{"unknown entry", `{"liquidator":"` + liquidator + `","entry":"all"}`},
		{"sequential without count", `{"liquidator":"` + liquidator + `","entry":"sequential"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := h.post(t, "/v1/liquidations", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
	assert.Empty(t, h.events)
}

func TestSubmitPrice(t *testing.T) {
	h := newAPI(t)

	code, _ := h.post(t, "/v1/admin/prices", `{"asset":"weth","price":"1850.5"}`)
	require.Equal(t, http.StatusAccepted, code)
	pu := (<-h.events).(*event.PriceUpdate)
	assert.Equal(t, "WETH", pu.Asset)
	assert.Equal(t, fpmath.MustParse("1850.5"), pu.Price)

	code, _ = h.post(t, "/v1/admin/prices", `{"asset":"WETH","price":"0"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestVerifyIntegrity(t *testing.T) {
	h := newAPI(t)
	h.open(t, "2")

	code, body := h.get(t, "/v1/admin/integrity")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_healthy"])
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPI(t)

	code, body := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, _ = h.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.health.SetReady(true)
	code, _ = h.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	h.health.AddCheck("engine", func() error { return errors.New("halted") })
	code, body = h.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "halted", body["failed"].(map[string]interface{})["engine"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPI(t)
	h.get(t, "/v1/system")

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `trove_query_requests_total{endpoint="system",status="200"} 1`)
}
