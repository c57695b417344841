package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/intake"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/uds"
)

const maxBodyBytes = 1 << 20

// router serves the task service callbacks and the read-only views.
func (s *services) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/tasks/{id}/events", s.handleTaskEvent).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/timers", s.handleListTimers).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/timers/{purpose}/requeue", s.handleRequeue).Methods(http.MethodPost)
	return r
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *services) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case uds.ErrCodeValidation:
		status = http.StatusBadRequest
	case uds.ErrCodeNotFound:
		status = http.StatusNotFound
	case uds.ErrCodeConflict:
		status = http.StatusConflict
	case uds.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("http request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, httpError{Code: code, Message: err.Error()})
}

func (s *services) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTaskEvent handles POST /v1/tasks/{id}/events. The path id wins over
// any task_id in the body.
func (s *services) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	var ev intake.LifecycleEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, httpError{Code: uds.ErrCodeValidation, Message: "invalid request body: " + err.Error()})
		return
	}
	ev.TaskID = mux.Vars(r)["id"]
	if ev.Task != nil && ev.Task.ID == "" {
		ev.Task.ID = ev.TaskID
	}
	if ev.Task != nil && ev.Task.ID != ev.TaskID {
		s.writeError(w, r, fmt.Errorf("%w: task.id %q does not match path", intake.ErrRejected, ev.Task.ID))
		return
	}

	task, err := s.applyEvent(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *services) handleListTimers(w http.ResponseWriter, r *http.Request) {
	res, err := s.listTimers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *services) handleListEvents(w http.ResponseWriter, r *http.Request) {
	res, err := s.listEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *services) handleRequeue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := RequeueParams{TaskID: vars["id"], Purpose: model.TimerPurpose(vars["purpose"])}
	if err := s.requeue(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
