package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"tasksearch/internal/errs"
	"tasksearch/internal/events"
	"tasksearch/internal/models"
	"tasksearch/internal/services"
)

// Handler wires HTTP requests to the scheduler and services.
type Handler struct {
	sched  TaskScheduler
	search Searcher
	status StatusService
	hub    *events.Hub // nil disables /ws/updates
}

func NewHandler(sched TaskScheduler, search Searcher, status StatusService, hub *events.Hub) *Handler {
	return &Handler{
		sched:  sched,
		search: search,
		status: status,
		hub:    hub,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  string(errs.KindOf(err)),
	})
}

// Task ingestion

// submitTasksRequest is one batch of task texts under a single parent.
type submitTasksRequest struct {
	ParentID string   `json:"parent_id"`
	Tasks    []string `json:"tasks"`
}

// SubmitTasks accepts a batch for embedding generation. The response returns
// immediately with the pending records and a job id to poll; vectors arrive
// asynchronously.
func (h *Handler) SubmitTasks(w http.ResponseWriter, r *http.Request) {
	var req submitTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindValidation, "invalid request body", err))
		return
	}

	result, err := h.sched.Enqueue(r.Context(), req.ParentID, req.Tasks)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"parent_id": req.ParentID,
		"accepted":  result.Accepted,
		"skipped":   result.Skipped,
	}
	if result.Job != nil {
		resp["job_id"] = result.Job.ID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// Search

// Search embeds the query and returns completed records ranked by cosine
// similarity.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req services.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindValidation, "invalid request body", err))
		return
	}

	resp, err := h.search.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Records

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := h.status.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) GetRecordStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view, err := h.status.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ReprocessRecord sends a failed record back through generation. Anything
// not in the failed state is refused with a conflict.
func (h *Handler) ReprocessRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := h.status.Reprocess(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// Parents

func (h *Handler) ListParents(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.status.Parents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if summaries == nil {
		summaries = []*models.ParentSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"parents": summaries,
		"count":   len(summaries),
	})
}

func (h *Handler) ListParentRecords(w http.ResponseWriter, r *http.Request) {
	parentID := mux.Vars(r)["id"]

	records, err := h.status.ParentRecords(r.Context(), parentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.TaskEmbedding{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"parent_id": parentID,
		"records":   records,
		"count":     len(records),
	})
}

func (h *Handler) DeleteParentRecords(w http.ResponseWriter, r *http.Request) {
	parentID := mux.Vars(r)["id"]

	deleted, err := h.status.DeleteParent(r.Context(), parentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"parent_id": parentID,
		"deleted":   deleted,
	})
}

// Jobs and queue

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, ok := h.sched.GetJob(id)
	if !ok {
		writeError(w, errs.Newf(errs.KindNotFound, "job not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Stats())
}

// Health

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.status.StatusCounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	stats := h.sched.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"records":     counts,
		"queue_depth": stats.QueueDepth,
		"workers":     stats.Workers,
	})
}
