package webserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/pipeline"
	"github.com/warden-ai/warden/internal/security"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHook ingests one PreToolUse/PostToolUse callback from a subprocess.
// It is acknowledgment-only: the response never blocks on security
// decisions, and malformed payloads still get a 200 so the subprocess is
// never stalled by its own hooks.
func (srv *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var req security.HookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	// The query parameter is the fallback for the race where the
	// session-id mapping has not propagated yet.
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" && req.SessionID != "" && srv.deps.Manager != nil {
		if a, ok := srv.deps.Manager.Registry().AgentBySession(req.SessionID); ok {
			agentID = a.ID
		}
	}
	if agentID == "" {
		agentID = req.AgentID
	}

	if srv.deps.Monitor != nil && agentID != "" {
		srv.deps.Monitor.HandleHook(agentID, req)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (srv *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.deps.Manager.ListAgents())
}

func (srv *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkingDir string `json:"working_dir"`
		Prompt     string `json:"prompt,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The subprocess must outlive this request: the request context is
	// cancelled the moment the handler returns, and spawn contexts kill
	// the process group on cancellation.
	id, err := srv.deps.Manager.CreateAgent(srv.baseCtx, agent.CreateOptions{
		WorkingDir: req.WorkingDir,
		Source:     agent.SourceUI,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if req.Prompt != "" {
		if err := srv.deps.Manager.SendPrompt(id, req.Prompt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agent_id": id})
}

func (srv *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	if err := srv.deps.Manager.StopAgent(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (srv *Server) handleSuspendAgent(w http.ResponseWriter, r *http.Request) {
	if err := srv.deps.Manager.SuspendAgent(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"suspended": true})
}

func (srv *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	if err := srv.deps.Manager.ResumeAgent(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

func (srv *Server) handlePromptAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt required")
		return
	}

	if err := srv.deps.Manager.SendPrompt(r.PathValue("id"), req.Prompt); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func (srv *Server) handleAgentOutputs(w http.ResponseWriter, r *http.Request) {
	lastN := 0
	if raw := r.URL.Query().Get("last"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			lastN = n
		}
	}
	outputs, err := srv.deps.Manager.GetAgentOutputs(r.PathValue("id"), lastN)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (srv *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.deps.Manager.GetAgentStatistics(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.deps.Pipelines.List())
}

func (srv *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserRequest string              `json:"user_request"`
		Phases      []pipeline.PhaseSpec `json:"phases"`
		Start       bool                `json:"start,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := srv.deps.Pipelines.Create(req.UserRequest, req.Phases)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.Start {
		// Driver loops outlive the request as well.
		if err := srv.deps.Pipelines.Start(srv.baseCtx, p.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, p)
}

func (srv *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := srv.deps.Pipelines.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (srv *Server) handleApproveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhaseIndex int    `json:"phase_index"`
		Approved   bool   `json:"approved"`
		Comment    string `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := srv.deps.Pipelines.ApproveCheckpoint(r.PathValue("id"), req.PhaseIndex, req.Approved, req.Comment)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, pipeline.ErrPipelineNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (srv *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := srv.deps.Store.ListAlerts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (srv *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := srv.deps.Store.ListPendingReviews()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}
