package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thruflo/foreman/internal/session"
)

type createSessionRequest struct {
	ProjectID   string               `json:"project_id"`
	FeatureID   string               `json:"feature_id,omitempty"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	WorkDir     string               `json:"work_dir"`
	Branch      string               `json:"branch,omitempty"`
	Insert      session.InsertPolicy `json:"insert,omitempty"`
}

type sessionDetail struct {
	Session   *session.Session   `json:"session"`
	Plan      *session.Plan      `json:"plan,omitempty"`
	Decisions []*session.Decision `json:"decisions"`
	Running   bool               `json:"running"`
}

type pauseRequest struct {
	// Queue sends the session back to its project queue instead of pausing
	// it in place.
	Queue  bool                 `json:"queue"`
	Insert session.InsertPolicy `json:"insert,omitempty"`
}

type insertRequest struct {
	Insert session.InsertPolicy `json:"insert,omitempty"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var list []*session.Session
	if project := r.URL.Query().Get("project"); project != "" {
		list = s.registry.ListByProject(project)
	} else {
		list = s.registry.List()
	}
	if list == nil {
		list = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if strings.TrimSpace(req.WorkDir) == "" {
		writeError(w, http.StatusBadRequest, "work_dir is required")
		return
	}
	sess, err := s.registry.Create(r.Context(), session.CreateRequest{
		ProjectID:   req.ProjectID,
		FeatureID:   req.FeatureID,
		Title:       req.Title,
		Description: req.Description,
		WorkDir:     req.WorkDir,
		Branch:      req.Branch,
		Insert:      req.Insert,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.launchIfActive(sess)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	plan, err := s.registry.GetPlan(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	decisions, err := s.registry.Decisions(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if decisions == nil {
		decisions = []*session.Decision{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{
		Session:   sess,
		Plan:      plan,
		Decisions: decisions,
		Running:   s.launcher != nil && s.launcher.Running(id),
	})
}

func (s *Server) handleLastInvocation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.LastInvocation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no invocation recorded")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.registry.Pause(r.Context(), chi.URLParam(r, "id"), req.Queue, req.Insert)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.registry.Resume(r.Context(), chi.URLParam(r, "id"), req.Insert)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.launchIfActive(sess)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.registry.Enqueue(r.Context(), chi.URLParam(r, "id"), req.Insert)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleRun starts a run for an active session that is not running, for
// example after a restart when recovery is disabled.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sess.Status != session.StatusForStage(sess.Stage) || !sess.Stage.IsActive() {
		writeError(w, http.StatusConflict, "session "+id+" is "+string(sess.Status)+"; only active sessions can run")
		return
	}
	if s.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "no launcher configured")
		return
	}
	s.launcher.Launch(id)
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		ds  []*session.Decision
		err error
	)
	if r.URL.Query().Get("pending") == "true" {
		ds, err = s.registry.PendingDecisions(r.Context(), id)
	} else {
		ds, err = s.registry.Decisions(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []*session.Decision{}
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleAnswerDecision(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}
	d, err := s.answerer.AnswerDecision(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "decisionID"), req.Answer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "project"))
	if q == nil {
		q = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleReorderQueue(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	q, err := s.registry.Reorder(r.Context(), chi.URLParam(r, "project"), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) launchIfActive(sess *session.Session) {
	if s.launcher == nil || !sess.Stage.IsActive() || sess.Status != session.StatusForStage(sess.Stage) {
		return
	}
	s.launcher.Launch(sess.ID)
}
