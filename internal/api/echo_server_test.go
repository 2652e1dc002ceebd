package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvstep/internal/model"
	"github.com/samcharles93/kvstep/internal/session"
)

func testConfig() model.Config {
	return model.Config{
		Dim:          8,
		NLayers:      2,
		NHeads:       2,
		NKVHeads:     model.Some(1),
		VocabSize:    10,
		MultipleOf:   4,
		NormEps:      1e-5,
		MaxBatchSize: 2,
		MaxSeqLen:    4,
	}
}

func newTestEcho(t *testing.T, limit int) (*echo.Echo, *model.Weights) {
	t.Helper()
	cfg, err := testConfig().Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	w, err := model.RandomWeights(cfg, 1)
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	store := session.NewStore(func() (*model.Transformer, error) {
		return model.New(cfg, w)
	}, limit, nil)
	server := NewServer(store, cfg, nil)
	e := echo.New()
	server.Register(e)
	return e, w
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func createSession(t *testing.T, e *echo.Echo) SessionResponse {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	return decodeBody[SessionResponse](t, rec)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	created := createSession(t, e)
	if created.ID == "" || created.Object != "session" || created.Position != 0 {
		t.Fatalf("unexpected create response: %+v", created)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}

	listRec := doJSON(t, e, http.MethodGet, "/v1/sessions", "")
	list := decodeBody[SessionList](t, listRec)
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/sessions/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	deleted := decodeBody[DeleteSessionResponse](t, delRec)
	if !deleted.Deleted || deleted.ID != created.ID {
		t.Fatalf("unexpected delete response: %+v", deleted)
	}

	getRec = doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID, "")
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", getRec.Code)
	}
}

func TestForwardAdvancesPosition(t *testing.T) {
	t.Parallel()

	e, w := newTestEcho(t, 0)
	id := createSession(t, e).ID

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/forward", `{"tokens":[[3]]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("forward status: got %d body=%s", rec.Code, rec.Body.String())
	}
	first := decodeBody[ForwardResponse](t, rec)
	if first.Shape != [3]int{1, 1, 10} || first.Position != 1 {
		t.Fatalf("unexpected forward response: %+v", first)
	}
	if len(first.Logits) != 1 || len(first.Logits[0]) != 1 || len(first.Logits[0][0]) != 10 {
		t.Fatalf("unexpected logits layout: %v", first.Logits)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/forward", `{"tokens":[[7]]}`)
	second := decodeBody[ForwardResponse](t, rec)
	if second.Position != 2 {
		t.Fatalf("expected position 2, got %d", second.Position)
	}

	// The same steps on a local model give the same logits.
	m, err := model.New(testConfig(), w)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	if _, err := m.ForwardToken(3, 0); err != nil {
		t.Fatalf("forward: %v", err)
	}
	want, err := m.ForwardToken(7, 1)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i, v := range want {
		if d := second.Logits[0][0][i] - v; d > 1e-6 || d < -1e-6 {
			t.Fatalf("logit %d: got %v want %v", i, second.Logits[0][0][i], v)
		}
	}
	if got := second.Argmax[0]; want[got] < want[0] {
		t.Fatalf("argmax %d is not the largest logit", got)
	}
}

func TestForwardTopK(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	id := createSession(t, e).ID

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/forward", `{"tokens":[[3],[4]],"top_k":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("forward status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[ForwardResponse](t, rec)
	if resp.Logits != nil {
		t.Fatalf("expected no full logits with top_k")
	}
	if len(resp.Top) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(resp.Top))
	}
	for b, row := range resp.Top {
		if len(row) != 3 {
			t.Fatalf("row %d: expected 3 entries, got %d", b, len(row))
		}
		if row[0].Token != resp.Argmax[b] {
			t.Fatalf("row %d: top token %d != argmax %d", b, row[0].Token, resp.Argmax[b])
		}
		for i := 1; i < len(row); i++ {
			if row[i].Logit > row[i-1].Logit {
				t.Fatalf("row %d not sorted: %+v", b, row)
			}
		}
	}
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		status int
		typ    string
	}{
		{"malformed json", `{"tokens":`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown field", `{"tokens":[[1]],"prompt":"hi"}`, http.StatusBadRequest, "invalid_request_error"},
		{"missing tokens", `{}`, http.StatusBadRequest, "invalid_request_error"},
		{"two tokens per row", `{"tokens":[[1,2]]}`, http.StatusBadRequest, "invalid_request_error"},
		{"batch too large", `{"tokens":[[1],[2],[3]]}`, http.StatusBadRequest, "invalid_request_error"},
		{"token out of range", `{"tokens":[[10]]}`, http.StatusBadRequest, "invalid_request_error"},
		{"negative top_k", `{"tokens":[[1]],"top_k":-1}`, http.StatusBadRequest, "invalid_request_error"},
		{"cache overflow", `{"tokens":[[1]],"start_pos":4}`, http.StatusConflict, "cache_overflow_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEcho(t, 0)
			id := createSession(t, e).ID
			rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/forward", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			resp := decodeBody[ErrorResponse](t, rec)
			if resp.Error.Type != tc.typ || resp.Error.Message == "" {
				t.Fatalf("unexpected error body: %+v", resp)
			}

			// A rejected call leaves the session where it was.
			info := decodeBody[SessionResponse](t, doJSON(t, e, http.MethodGet, "/v1/sessions/"+id, ""))
			if info.Position != 0 || info.Steps != 0 {
				t.Fatalf("session advanced after error: %+v", info)
			}
		})
	}
}

func TestForwardUnknownSession(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	for _, path := range []string{"/v1/sessions/nope/forward", "/v1/sessions/nope/reset"} {
		rec := doJSON(t, e, http.MethodPost, path, `{"tokens":[[1]]}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: got %d want 404", path, rec.Code)
		}
	}
	rec := doJSON(t, e, http.MethodDelete, "/v1/sessions/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete: got %d want 404", rec.Code)
	}
}

func TestResetRewindsSession(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	id := createSession(t, e).ID

	first := decodeBody[ForwardResponse](t, doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/forward", `{"tokens":[[5]]}`))
	doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/forward", `{"tokens":[[6]]}`)

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if info := decodeBody[SessionResponse](t, rec); info.Position != 0 || info.Steps != 0 {
		t.Fatalf("expected position 0 and steps 0 after reset, got %d and %d", info.Position, info.Steps)
	}

	again := decodeBody[ForwardResponse](t, doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/forward", `{"tokens":[[5]]}`))
	for i := range first.Logits[0][0] {
		if first.Logits[0][0][i] != again.Logits[0][0][i] {
			t.Fatalf("logit %d differs after reset", i)
		}
	}
}

func TestSessionLimit(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 1)
	createSession(t, e)
	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second create: got %d want 429", rec.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	rec := doJSON(t, e, http.MethodGet, "/v1/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("config status: got %d", rec.Code)
	}
	cfg := decodeBody[ConfigResponse](t, rec)
	if cfg.Dim != 8 || cfg.NKVHeads != 1 || cfg.HeadDim != 4 || cfg.NRep != 2 || cfg.HiddenDim != 24 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.FFNDimMultiplier != nil || cfg.RopeTheta != model.DefaultRopeTheta || cfg.Device != model.DeviceCPU {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestTopLogits(t *testing.T) {
	t.Parallel()

	got := topLogits([]float32{0.5, 2, -1, 2, 1}, 3)
	want := []TokenLogit{{1, 2}, {3, 2}, {4, 1}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}
