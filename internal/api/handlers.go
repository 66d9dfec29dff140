package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/visionforge/visionforge/internal/artifact"
	"github.com/visionforge/visionforge/internal/broadcast"
	"github.com/visionforge/visionforge/internal/config"
	"github.com/visionforge/visionforge/internal/dataset"
	"github.com/visionforge/visionforge/internal/engine"
	"github.com/visionforge/visionforge/internal/graph"
	"github.com/visionforge/visionforge/internal/pipelinestore"
	"github.com/visionforge/visionforge/internal/predict"
	"github.com/visionforge/visionforge/internal/reportstore"
	"github.com/visionforge/visionforge/internal/runstore"
	"github.com/visionforge/visionforge/internal/stage"
	"github.com/visionforge/visionforge/internal/validator"
	"github.com/visionforge/visionforge/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.RunStore
	pipelines pipelinestore.PipelineStore
	reports   *reportstore.Store
	engine    *engine.Engine
	bcast     *broadcast.Broadcaster
	registry  *stage.Registry
	validator *validator.Validator
	datasets  *dataset.Manager
	predictor *predict.Predictor
	artifacts *artifact.Service
	config    *config.Config
	logger    *slog.Logger
	limiters  *rateLimiters
}

// Deps bundles the handler dependencies.
type Deps struct {
	Store     runstore.RunStore
	Pipelines pipelinestore.PipelineStore
	Reports   *reportstore.Store
	Engine    *engine.Engine
	Broadcast *broadcast.Broadcaster
	Registry  *stage.Registry
	Validator *validator.Validator
	Datasets  *dataset.Manager
	Predictor *predict.Predictor
	Artifacts *artifact.Service
	Config    *config.Config
	Logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     d.Store,
		pipelines: d.Pipelines,
		reports:   d.Reports,
		engine:    d.Engine,
		bcast:     d.Broadcast,
		registry:  d.Registry,
		validator: d.Validator,
		datasets:  d.Datasets,
		predictor: d.Predictor,
		artifacts: d.Artifacts,
		config:    d.Config,
		logger:    logger,
		limiters:  newRateLimiters(d.Config),
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Stage Catalog ---

// ListStages handles GET /api/v1/stages
func (h *Handlers) ListStages(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"stages": h.registry.List(),
	})
}

// --- Run Management ---

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	Name       string               `json:"name"`
	Graph      *types.PipelineGraph `json:"graph"`
	PipelineID string               `json:"pipeline_id,omitempty"`
	DatasetID  string               `json:"dataset_id,omitempty"`
	AutoStart  bool                 `json:"auto_start,omitempty"`
}

// CreateRunResponse is the response body after creating a run.
type CreateRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	SSEURL string `json:"sse_url,omitempty"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	if result := h.validator.ValidateRunRequestJSON(body); !result.Valid {
		h.respondValidation(w, r, result)
		return
	}

	var req CreateRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	g := req.Graph
	if req.PipelineID != "" {
		p, err := h.pipelines.Get(ctx, req.PipelineID)
		if err != nil {
			if errors.Is(err, pipelinestore.ErrPipelineNotFound) {
				h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
				return
			}
			h.respondError(w, r, http.StatusInternalServerError, "failed to load pipeline", err)
			return
		}
		g = p.Graph
		if req.Name == "" {
			req.Name = p.Name
		}
	}

	// Structural validation up front so the client gets a 400 instead of a
	// run that fails immediately.
	if _, err := graph.Validate(*g, h.registry); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid pipeline graph", err)
		return
	}

	datasetDir := ""
	if req.DatasetID != "" {
		dir, err := h.datasets.Resolve(req.DatasetID)
		if err != nil {
			h.respondError(w, r, http.StatusNotFound, "dataset not found", err)
			return
		}
		datasetDir = dir
	}

	runID, err := h.store.CreateRun(ctx, req.Name, g, datasetDir)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to create run", err)
		return
	}

	resp := CreateRunResponse{
		RunID:  runID,
		Status: "created",
	}

	if req.AutoStart {
		if err := h.engine.Start(runID); err != nil {
			h.logger.Error("failed to start run", "error", err, "runId", runID)
		} else {
			resp.Status = "running"
			resp.SSEURL = "/api/v1/runs/" + runID + "/events"
		}
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// StartRun handles POST /api/v1/runs/{id}/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	if meta.Status.Terminal() {
		h.respondError(w, r, http.StatusConflict, "run already finished", errors.New(string(meta.Status)))
		return
	}

	if err := h.engine.Start(runID); err != nil {
		if errors.Is(err, engine.ErrRunActive) {
			h.respondError(w, r, http.StatusConflict, "run already active", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to start run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runId":  runID,
		"status": "running",
		"sseUrl": "/api/v1/runs/" + runID + "/events",
	})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runIDs, err := h.store.ListRuns(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runIDs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if err := h.engine.Cancel(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to cancel run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetRunReport handles GET /api/v1/runs/{id}/report
func (h *Handlers) GetRunReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	if run.Report == nil {
		h.respondError(w, r, http.StatusNotFound, "report not available yet", errors.New("run has not finished"))
		return
	}

	h.respondJSON(w, http.StatusOK, run.Report)
}

// --- Report Archive ---

// ListReports handles GET /api/v1/reports
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	summaries, err := h.reports.List(ctx, limit, offset)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list reports", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"reports": summaries})
}

// GetReport handles GET /api/v1/reports/{id}
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	report, err := h.reports.Get(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusNotFound, "report not found", err)
		return
	}

	h.respondJSON(w, http.StatusOK, report)
}

// --- Pipeline Management ---

// CreatePipeline handles POST /api/v1/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pipelinestore.CreatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid pipeline", err)
		return
	}
	if _, err := graph.Validate(*req.Graph, h.registry); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid pipeline graph", err)
		return
	}

	p, err := h.pipelines.Create(ctx, &req)
	if err != nil {
		if errors.Is(err, pipelinestore.ErrPipelineExists) {
			h.respondError(w, r, http.StatusConflict, "pipeline already exists", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to create pipeline", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, p)
}

// GetPipeline handles GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	p, err := h.pipelines.Get(ctx, id)
	if err != nil {
		if errors.Is(err, pipelinestore.ErrPipelineNotFound) {
			h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get pipeline", err)
		return
	}

	h.respondJSON(w, http.StatusOK, p)
}

// UpdatePipeline handles PUT /api/v1/pipelines/{id}
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req pipelinestore.UpdatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Graph != nil {
		if _, err := graph.Validate(*req.Graph, h.registry); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid pipeline graph", err)
			return
		}
	}

	p, err := h.pipelines.Update(ctx, id, &req)
	if err != nil {
		if errors.Is(err, pipelinestore.ErrPipelineNotFound) {
			h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to update pipeline", err)
		return
	}

	h.respondJSON(w, http.StatusOK, p)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{id}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if err := h.pipelines.Delete(ctx, id); err != nil {
		if errors.Is(err, pipelinestore.ErrPipelineNotFound) {
			h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to delete pipeline", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListPipelines handles GET /api/v1/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts := &pipelinestore.ListOptions{
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
		CreatedBy: r.URL.Query().Get("created_by"),
	}

	pipelines, err := h.pipelines.List(ctx, opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list pipelines", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"pipelines": pipelines})
}

// ValidateGraph handles POST /api/v1/graphs/validate
func (h *Handlers) ValidateGraph(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	result := h.validator.ValidateGraphJSON(body)
	if !result.Valid {
		h.respondJSON(w, http.StatusOK, result)
		return
	}

	var g types.PipelineGraph
	if err := json.Unmarshal(body, &g); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if _, err := graph.Validate(g, h.registry); err != nil {
		h.respondJSON(w, http.StatusOK, &validator.ValidationResult{
			Valid:  false,
			Errors: []validator.ValidationError{{Path: "$", Message: err.Error()}},
		})
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// --- Datasets ---

// UploadDataset handles POST /api/v1/datasets
func (h *Handlers) UploadDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid multipart form", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "missing file field", err)
		return
	}
	defer file.Close()

	info, err := h.datasets.Extract(ctx, file, header.Size)
	if err != nil {
		if errors.Is(err, dataset.ErrEmptyArchive) {
			h.respondError(w, r, http.StatusBadRequest, "archive contains no files", err)
			return
		}
		h.respondError(w, r, http.StatusBadRequest, "failed to extract archive", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, info)
}

// DeleteDataset handles DELETE /api/v1/datasets/{id}
func (h *Handlers) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.datasets.Delete(id); err != nil {
		if errors.Is(err, dataset.ErrDatasetNotFound) {
			h.respondError(w, r, http.StatusNotFound, "dataset not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to delete dataset", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Prediction ---

// Predict handles POST /api/v1/predict. The request is a multipart form with
// an "image" file and a "run_id" field naming the run whose exported model
// should classify it.
func (h *Handlers) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid multipart form", err)
		return
	}

	runID := r.FormValue("run_id")
	if runID == "" {
		h.respondError(w, r, http.StatusBadRequest, "missing run_id field", errors.New("run_id is required"))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "missing image field", err)
		return
	}
	defer file.Close()

	// The feature extractor works on files, so spool the upload to disk.
	tmp, err := os.CreateTemp("", "predict-*"+filepath.Ext(header.Filename))
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to buffer upload", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		h.respondError(w, r, http.StatusInternalServerError, "failed to buffer upload", err)
		return
	}
	tmp.Close()

	result, err := h.predictor.Predict(ctx, runID, r.FormValue("artifact"), tmp.Name())
	if err != nil {
		switch {
		case errors.Is(err, predict.ErrModelNotFound):
			h.respondError(w, r, http.StatusNotFound, "trained model not found", err)
		case errors.Is(err, predict.ErrBadImage):
			h.respondError(w, r, http.StatusBadRequest, "image not decodable", err)
		default:
			h.respondError(w, r, http.StatusInternalServerError, "prediction failed", err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// --- Artifacts ---

// DownloadArtifact handles GET /api/v1/artifacts/{path}
func (h *Handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := mux.Vars(r)["path"]

	rc, err := h.artifacts.OpenPath(ctx, path)
	if err != nil {
		h.respondError(w, r, http.StatusNotFound, "artifact not found", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(path)))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("failed to stream artifact", "error", err, "path", path)
	}
}

// ListRunArtifacts handles GET /api/v1/runs/{id}/artifacts
func (h *Handlers) ListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	refs, err := h.artifacts.ListRun(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list artifacts", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"artifacts": refs})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	h.logger.Error(message, "error", err, "status", status, "path", r.URL.Path)
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	writeError(w, r, status, message, details)
}

func (h *Handlers) respondValidation(w http.ResponseWriter, r *http.Request, result *validator.ValidationResult) {
	writeError(w, r, http.StatusBadRequest, "request failed schema validation",
		map[string]interface{}{"errors": result.Errors})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return i
	}
	return def
}
