package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// submitJob POST /jobs
func (h *handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var spec model.JobSpec
	if err := decode(r, &spec); err != nil {
		badRequest(w, "%v", err)
		return
	}
	id, err := h.Jobs.Submit(spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, protocol.SubmitResponse{ID: id})
}

// listJobs GET /jobs?state=queued,running
func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	var states []model.JobState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := model.JobState(strings.TrimSpace(s))
			if !st.Valid() {
				badRequest(w, "unknown job state %q", s)
				return
			}
			states = append(states, st)
		}
	}
	writeJSON(w, http.StatusOK, h.Jobs.List(states...))
}

// getJob GET /jobs/{jobID}
func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// cancelJob DELETE /jobs/{jobID}，返回取消后的任务
func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.Jobs.Cancel(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.Jobs.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// reportProgress POST /jobs/{jobID}/reports，由节点 agent 调用
func (h *handler) reportProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var rep protocol.ProgressReport
	if err := decode(r, &rep); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if rep.NodeID == "" {
		badRequest(w, "node_id is required")
		return
	}
	if err := h.Jobs.ReportProgress(jobID, rep); err != nil {
		h.writeError(w, r, err)
		return
	}
	if rep.Logs != "" && h.Logs != nil {
		h.Logs.SaveJobLog(jobID, rep.NodeID, rep.Logs)
	}
	w.WriteHeader(http.StatusNoContent)
}

// getJobLog GET /jobs/{jobID}/logs/{nodeID}
func (h *handler) getJobLog(w http.ResponseWriter, r *http.Request) {
	if h.LogReader == nil {
		writeJSON(w, http.StatusNotImplemented, protocol.ErrorResponse{Code: "NotImplemented", Message: "log storage disabled"})
		return
	}
	text, err := h.LogReader.GetJobLog(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "nodeID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}
