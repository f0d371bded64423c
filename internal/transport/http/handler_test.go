package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/batch"
	"count-orchestrator/internal/entity"
	"count-orchestrator/internal/pipeline"
	"count-orchestrator/internal/queue"
	"count-orchestrator/internal/reconcile"
	"count-orchestrator/internal/scheduler"
	"count-orchestrator/internal/service"
	"count-orchestrator/internal/state"
	httptransport "count-orchestrator/internal/transport/http"
)

// ---- fakes ----

type typeRepoStub struct {
	known map[string]entity.ObjectType
}

func (r *typeRepoStub) Create(_ context.Context, name, description string) (entity.ObjectType, error) {
	ot := entity.ObjectType{ID: uuid.New(), Name: name, Description: description, CreatedAt: time.Now()}
	r.known[name] = ot
	return ot, nil
}

func (r *typeRepoStub) GetByName(_ context.Context, name string) (entity.ObjectType, error) {
	ot, ok := r.known[name]
	if !ok {
		return entity.ObjectType{}, entity.ErrNotFound
	}
	return ot, nil
}

func (r *typeRepoStub) List(context.Context) ([]entity.ObjectType, error) {
	out := make([]entity.ObjectType, 0, len(r.known))
	for _, ot := range r.known {
		out = append(out, ot)
	}
	return out, nil
}

type resultRepoStub struct {
	results map[uuid.UUID]entity.Result
}

func (r *resultRepoStub) Create(_ context.Context, res entity.Result) error {
	r.results[res.ID] = res
	return nil
}

func (r *resultRepoStub) GetByID(_ context.Context, id uuid.UUID) (entity.Result, error) {
	res, ok := r.results[id]
	if !ok {
		return entity.Result{}, entity.ErrNotFound
	}
	return res, nil
}

func (r *resultRepoStub) GetByTaskID(_ context.Context, taskID uuid.UUID) (entity.Result, error) {
	for _, res := range r.results {
		if res.TaskID == taskID {
			return res, nil
		}
	}
	return entity.Result{}, entity.ErrNotFound
}

func (r *resultRepoStub) UpdateCorrection(_ context.Context, id uuid.UUID, corrected int, updatedAt time.Time) error {
	res, ok := r.results[id]
	if !ok {
		return entity.ErrNotFound
	}
	res.CorrectedCount = &corrected
	res.UpdatedAt = updatedAt
	r.results[id] = res
	return nil
}

func (r *resultRepoStub) List(_ context.Context, _, _ int, _ string) ([]entity.Result, int, error) {
	out := make([]entity.Result, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res)
	}
	return out, len(out), nil
}

func (r *resultRepoStub) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := r.results[id]; !ok {
		return entity.ErrNotFound
	}
	delete(r.results, id)
	return nil
}

func (r *resultRepoStub) CountSince(context.Context, time.Time) (int, error) {
	return len(r.results), nil
}

type memBlobs struct{}

func (memBlobs) Save(name string, r io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, r)
	return name, err
}

func (memBlobs) Delete(string) error { return nil }

// ---- helpers ----

type env struct {
	router  http.Handler
	results *resultRepoStub
}

// newEnv wires the full stack on the in-memory queue with the local
// engine and starts the scheduler so synchronous endpoints settle.
func newEnv(t *testing.T) *env {
	t.Helper()

	store := state.NewStore()
	q := queue.NewMemoryQueue(queue.MemoryConfig{})
	types := &typeRepoStub{known: map[string]entity.ObjectType{
		"apple": {ID: uuid.New(), Name: "apple"},
	}}
	results := &resultRepoStub{results: map[uuid.UUID]entity.Result{}}
	rec := reconcile.New(results)
	engine := &pipeline.LocalEngine{}

	asm := batch.New(q, batch.Config{TargetBatchSize: 4, MaxWait: 10 * time.Millisecond})
	sched := scheduler.New(q, asm, store, engine, rec, scheduler.Config{Directors: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	svc := service.NewCountService(store, q, types, results, rec, memBlobs{}, engine)
	h := httptransport.NewHandler(svc, memBlobs{})
	return &env{router: httptransport.Routes(h), results: results}
}

func multipartImage(t *testing.T, fields map[string]string, imageField string, names ...string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, name := range names {
		fw, err := mw.CreateFormFile(imageField, name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte("not-really-a-png")); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// ---- tests ----

func TestHTTP_CountSingle_200(t *testing.T) {
	e := newEnv(t)

	body, contentType := multipartImage(t, map[string]string{"object_type": "apple"}, "image", "apples.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/count", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr.Body.String())
	}
	if resp["result_id"] == "" || resp["result_id"] == nil {
		t.Fatalf("missing result_id: %v", resp)
	}
	if resp["predicted_count"].(float64) < 1 {
		t.Fatalf("expected a positive count, got %v", resp["predicted_count"])
	}
}

func TestHTTP_CountSingle_400_WithoutImage(t *testing.T) {
	e := newEnv(t)

	body, contentType := multipartImage(t, map[string]string{"object_type": "apple"}, "image")
	req := httptest.NewRequest(http.MethodPost, "/api/count", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_CountSingle_400_UnknownObjectType(t *testing.T) {
	e := newEnv(t)

	body, contentType := multipartImage(t, map[string]string{"object_type": "unicorn"}, "image", "u.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/count", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_BatchProcess_AllCounted(t *testing.T) {
	e := newEnv(t)

	body, contentType := multipartImage(t, map[string]string{"object_type": "apple"},
		"images[]", "a.jpg", "b.jpg", "c.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/batch/process", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		TotalImages      int `json:"total_images"`
		SuccessfulImages int `json:"successful_images"`
		FailedImages     int `json:"failed_images"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.TotalImages != 3 || resp.SuccessfulImages != 3 || resp.FailedImages != 0 {
		t.Fatalf("unexpected outcome: %+v", resp)
	}
}

func TestHTTP_BatchProcess_400_TooManyImages(t *testing.T) {
	e := newEnv(t)

	names := make([]string, 11)
	for i := range names {
		names[i] = uuid.NewString() + ".jpg"
	}
	body, contentType := multipartImage(t, map[string]string{"object_type": "apple"}, "images[]", names...)
	req := httptest.NewRequest(http.MethodPost, "/api/batch/process", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_Correct_200_AndOverwrite(t *testing.T) {
	e := newEnv(t)

	id := uuid.New()
	e.results.results[id] = entity.Result{
		ID:             id,
		ObjectType:     "apple",
		PredictedCount: 5,
		CreatedAt:      time.Now().UTC(),
	}

	req := httptest.NewRequest(http.MethodPut, "/api/correct/"+id.String(),
		bytes.NewBufferString(`{"corrected_count":3}`))
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		CorrectedCount int `json:"corrected_count"`
		Metrics        struct {
			Precision float64 `json:"precision"`
			Recall    float64 `json:"recall"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.CorrectedCount != 3 {
		t.Fatalf("expected corrected_count=3, got %d", resp.CorrectedCount)
	}
	// tp=3: precision 3/5, recall 3/3
	if resp.Metrics.Precision != 0.6 || resp.Metrics.Recall != 1.0 {
		t.Fatalf("unexpected metrics: %+v", resp.Metrics)
	}
}

func TestHTTP_Correct_404_UnknownResult(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPut, "/api/correct/"+uuid.NewString(),
		bytes.NewBufferString(`{"corrected_count":3}`))
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_Correct_400_NegativeCount(t *testing.T) {
	e := newEnv(t)

	id := uuid.New()
	e.results.results[id] = entity.Result{ID: id, PredictedCount: 5}

	req := httptest.NewRequest(http.MethodPut, "/api/correct/"+id.String(),
		bytes.NewBufferString(`{"corrected_count":-1}`))
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_ListResults_TotalCountHeader(t *testing.T) {
	e := newEnv(t)

	for i := 0; i < 3; i++ {
		id := uuid.New()
		e.results.results[id] = entity.Result{ID: id, ObjectType: "apple"}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/results/", nil)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Total-Count"); got != "3" {
		t.Fatalf("expected X-Total-Count=3, got %q", got)
	}
}

func TestHTTP_Health_200(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Status   string `json:"status"`
		Database bool   `json:"database"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Status != "healthy" || !resp.Database {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestHTTP_GetJob_404_UnknownID(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
	rr := httptest.NewRecorder()

	e.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
