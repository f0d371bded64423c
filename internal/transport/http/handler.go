package httptransport

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"count-orchestrator/internal/blob"
	"count-orchestrator/internal/entity"
	"count-orchestrator/internal/reconcile"
	"count-orchestrator/internal/service"
	"count-orchestrator/internal/state"
)

const (
	maxUploadBytes = 32 << 20
	maxBatchImages = 10
)

type Handler struct {
	svc   *service.CountService
	blobs blob.Store
}

func NewHandler(svc *service.CountService, blobs blob.Store) *Handler {
	return &Handler{svc: svc, blobs: blobs}
}

func (h *Handler) saveUpload(file multipart.File, filename string) (state.ImageInput, error) {
	defer file.Close()
	ref, err := h.blobs.Save("uploads/"+uuid.NewString()+filepath.Ext(filename), file)
	if err != nil {
		return state.ImageInput{}, err
	}
	return state.ImageInput{Ref: ref, Name: filename}, nil
}

type countResp struct {
	ResultID       string  `json:"result_id"`
	ObjectType     string  `json:"object_type"`
	PredictedCount int     `json:"predicted_count"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	ImagePath      string  `json:"image_path"`
	CreatedAt      string  `json:"created_at"`
}

// CountSingle godoc
// @Summary Count objects on a single image
// @Description Uploads one image, runs the full pipeline and waits for the count.
// @Tags counting
// @Accept mpfd
// @Produce json
// @Param image formData file true "image to count on"
// @Param object_type formData string true "object type to count"
// @Param description formData string false "optional description"
// @Success 200 {object} countResp
// @Failure 400 {object} apiError
// @Failure 422 {object} apiError
// @Router /api/count [post]
func (h *Handler) CountSingle(w http.ResponseWriter, r *http.Request) {
	h.countOne(w, r, false)
}

// CountAll godoc
// @Summary Count objects on a single image with auto-detection
// @Tags counting
// @Accept mpfd
// @Produce json
// @Param image formData file true "image to count on"
// @Success 200 {object} countResp
// @Failure 400 {object} apiError
// @Router /api/count-all [post]
func (h *Handler) CountAll(w http.ResponseWriter, r *http.Request) {
	h.countOne(w, r, true)
}

func (h *Handler) countOne(w http.ResponseWriter, r *http.Request, autoDetect bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, hdr, err := r.FormFile("image")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "image file is required")
		return
	}
	img, err := h.saveUpload(file, hdr.Filename)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "could not store image")
		return
	}

	job, err := h.svc.SubmitJob(r.Context(), service.SubmitRequest{
		ObjectType:  r.FormValue("object_type"),
		Description: r.FormValue("description"),
		AutoDetect:  autoDetect,
		Images:      []state.ImageInput{img},
	})
	if err != nil {
		if errors.Is(err, entity.ErrInvalidJob) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, tasks, err := h.svc.WaitForJob(r.Context(), job.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	task := tasks[0]
	if task.Status != entity.TaskDone {
		msg := "processing failed"
		if task.Error != nil {
			msg = *task.Error
		}
		writeErr(w, http.StatusUnprocessableEntity, msg)
		return
	}

	res, err := h.svc.ResultForTask(r.Context(), task.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "result not persisted")
		return
	}

	writeJSON(w, http.StatusOK, countResp{
		ResultID:       res.ID.String(),
		ObjectType:     res.ObjectType,
		PredictedCount: res.PredictedCount,
		Confidence:     res.Confidence,
		ProcessingTime: res.ProcessingTime,
		ImagePath:      res.ImagePath,
		CreatedAt:      res.CreatedAt.Format(time.RFC3339),
	})
}

type batchItemResp struct {
	ImageName      string  `json:"image_name"`
	Success        bool    `json:"success"`
	ResultID       string  `json:"result_id,omitempty"`
	ObjectType     string  `json:"object_type,omitempty"`
	PredictedCount int     `json:"predicted_count,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	ProcessingTime float64 `json:"processing_time"`
	Error          string  `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

type batchResp struct {
	BatchID          string          `json:"batch_id"`
	TotalImages      int             `json:"total_images"`
	SuccessfulImages int             `json:"successful_images"`
	FailedImages     int             `json:"failed_images"`
	ProcessingTime   float64         `json:"processing_time"`
	Results          []batchItemResp `json:"results"`
}

// BatchProcess godoc
// @Summary Count objects on multiple images
// @Description Uploads up to 10 images, processes them as one job and waits for all counts.
// @Tags counting
// @Accept mpfd
// @Produce json
// @Param images[] formData file true "images to count on"
// @Param object_type formData string true "object type to count"
// @Param auto_detect formData string false "set to true to auto-detect the object type"
// @Success 200 {object} batchResp
// @Failure 400 {object} apiError
// @Router /api/batch/process [post]
func (h *Handler) BatchProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	headers := r.MultipartForm.File["images[]"]
	if len(headers) == 0 {
		writeErr(w, http.StatusBadRequest, "at least one image is required")
		return
	}
	if len(headers) > maxBatchImages {
		writeErr(w, http.StatusBadRequest, "too many images: maximum "+strconv.Itoa(maxBatchImages)+" per batch")
		return
	}

	autoDetect := r.FormValue("auto_detect") == "true"

	images := make([]state.ImageInput, 0, len(headers))
	for _, hdr := range headers {
		file, err := hdr.Open()
		if err != nil {
			writeErr(w, http.StatusBadRequest, "unreadable upload "+hdr.Filename)
			return
		}
		img, err := h.saveUpload(file, hdr.Filename)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "could not store image")
			return
		}
		images = append(images, img)
	}

	job, err := h.svc.SubmitJob(r.Context(), service.SubmitRequest{
		ObjectType:  r.FormValue("object_type"),
		Description: r.FormValue("description"),
		AutoDetect:  autoDetect,
		Images:      images,
	})
	if err != nil {
		if errors.Is(err, entity.ErrInvalidJob) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, tasks, err := h.svc.WaitForJob(r.Context(), job.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := batchResp{
		BatchID:     job.ID.String(),
		TotalImages: len(tasks),
	}
	for _, task := range tasks {
		item := batchItemResp{
			ImageName:      task.ImageName,
			ProcessingTime: task.ProcessingTime.Seconds(),
		}
		if task.Status == entity.TaskDone {
			item.Success = true
			item.ObjectType = task.ObjectType
			item.PredictedCount = task.PredictedCount
			item.Confidence = task.Confidence
			if res, rerr := h.svc.ResultForTask(r.Context(), task.ID); rerr == nil {
				item.ResultID = res.ID.String()
				item.CreatedAt = res.CreatedAt.Format(time.RFC3339)
			}
			resp.SuccessfulImages++
		} else {
			if task.Error != nil {
				item.Error = *task.Error
			}
			resp.FailedImages++
		}
		resp.Results = append(resp.Results, item)
	}
	resp.ProcessingTime = time.Since(start).Seconds()

	writeJSON(w, http.StatusOK, resp)
}

// BatchStatus godoc
// @Summary Aggregate processing statistics
// @Tags monitoring
// @Produce json
// @Success 200 {object} service.BatchStatus
// @Router /api/batch/status [get]
func (h *Handler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type jobResp struct {
	JobID          string `json:"job_id"`
	ObjectType     string `json:"object_type"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status"`
	TotalTasks     int    `json:"total_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
	FailedTasks    int    `json:"failed_tasks"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// GetJob godoc
// @Summary Poll job status
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Router /api/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	job, err := h.svc.GetJob(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, jobResp{
		JobID:          job.ID.String(),
		ObjectType:     job.ObjectType,
		Description:    job.Description,
		Status:         string(job.Status),
		TotalTasks:     job.TotalTasks,
		CompletedTasks: job.CompletedTasks,
		FailedTasks:    job.FailedTasks,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	})
}

// JobEvents streams job status deltas as server-sent events until the job
// settles or the client disconnects.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	ch, unsubscribe, err := h.svc.Subscribe(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			payload, merr := json.Marshal(snap)
			if merr != nil {
				continue
			}
			if _, werr := w.Write([]byte("data: " + string(payload) + "\n\n")); werr != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// CancelJob godoc
// @Summary Cancel a job
// @Description Pending tasks fail with Cancelled; tasks already in a batch settle normally.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Router /api/jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelJob(r.Context(), id); err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	h.GetJob(w, r)
}

// DeleteJob cancels the job if needed, then removes it together with its
// tasks and stored artifacts. Persisted results are kept.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteJob(r.Context(), id); err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id.String(), "message": "deleted"})
}

// RetryJob re-enqueues a job's failed tasks without resubmitting the
// completed ones.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	n, err := h.svc.RetryFailed(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id.String(), "retried_tasks": n})
}

type correctDTO struct {
	CorrectedCount *int `json:"corrected_count"`
}

type correctResp struct {
	ResultID       string         `json:"result_id"`
	PredictedCount int            `json:"predicted_count"`
	CorrectedCount int            `json:"corrected_count"`
	UpdatedAt      string         `json:"updated_at"`
	Message        string         `json:"message"`
	Metrics        entity.Metrics `json:"metrics"`
}

// Correct godoc
// @Summary Correct a stored count
// @Description Overwrites the corrected count and recomputes agreement metrics.
// @Tags corrections
// @Accept json
// @Produce json
// @Param result_id path string true "result id (uuid)"
// @Param request body correctDTO true "corrected count"
// @Success 200 {object} correctResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /api/correct/{result_id} [put]
func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "result_id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid result id")
		return
	}

	var dto correctDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil || dto.CorrectedCount == nil {
		writeErr(w, http.StatusBadRequest, "corrected_count is required")
		return
	}

	res, metrics, err := h.svc.Correct(r.Context(), id, *dto.CorrectedCount)
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrNotFound):
			writeErr(w, http.StatusNotFound, "result not found")
		case errors.Is(err, entity.ErrInvalidJob):
			writeErr(w, http.StatusBadRequest, err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, correctResp{
		ResultID:       res.ID.String(),
		PredictedCount: res.PredictedCount,
		CorrectedCount: *res.CorrectedCount,
		UpdatedAt:      res.UpdatedAt.Format(time.RFC3339),
		Message:        "correction applied",
		Metrics:        metrics,
	})
}

type bulkCorrectDTO struct {
	Corrections []reconcile.Correction `json:"corrections"`
}

// BulkCorrect applies corrections independently; one failure never aborts
// the rest.
func (h *Handler) BulkCorrect(w http.ResponseWriter, r *http.Request) {
	var dto bulkCorrectDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(dto.Corrections) == 0 {
		writeErr(w, http.StatusBadRequest, "corrections are required")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.BulkCorrect(r.Context(), dto.Corrections))
}

// ListResults godoc
// @Summary List stored results
// @Description Paginated, newest first; total count in the X-Total-Count header.
// @Tags results
// @Produce json
// @Param page query int false "page number (default 1)"
// @Param per_page query int false "page size (default 20)"
// @Param object_type query string false "filter by object type"
// @Success 200 {array} entity.Result
// @Router /api/results [get]
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	objectType := r.URL.Query().Get("object_type")

	results, total, err := h.svc.ListResults(r.Context(), page, perPage, objectType)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []entity.Result{}
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, results)
}

// DeleteResult removes one result and its stored image artifact.
func (h *Handler) DeleteResult(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteResult(r.Context(), id); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "result not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result_id": id.String(), "message": "deleted"})
}

func (h *Handler) ListObjectTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.svc.ListObjectTypes(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if types == nil {
		types = []entity.ObjectType{}
	}
	writeJSON(w, http.StatusOK, types)
}

type createObjectTypeDTO struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) CreateObjectType(w http.ResponseWriter, r *http.Request) {
	var dto createObjectTypeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	ot, err := h.svc.CreateObjectType(r.Context(), dto.Name, dto.Description)
	if err != nil {
		if errors.Is(err, entity.ErrInvalidJob) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ot)
}

// Health godoc
// @Summary Service health
// @Tags monitoring
// @Produce json
// @Success 200 {object} service.Health
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
