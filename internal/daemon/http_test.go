package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/uds"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_Health(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.svc.router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHTTP_TaskLifecycleCallbacks(t *testing.T) {
	env := newTestEnv(t)
	h := env.svc.router()

	rec := doRequest(t, h, http.MethodPost, "/v1/tasks/INC-1/events",
		`{"kind":"created","task":{"type":"INCIDENT","priority":"P1","assignee":"alice"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var task model.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "INC-1", task.ID)
	assert.Equal(t, 15.0, task.StartSLAMinutes)

	rec = doRequest(t, h, http.MethodGet, "/v1/tasks/INC-1/timers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var timers TimersResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timers))
	assert.Len(t, timers.Timers, 2)

	env.at(12 * time.Minute)
	env.drain(env.svc.dispatcher)

	rec = doRequest(t, h, http.MethodGet, "/v1/tasks/INC-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var evs EventsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs.Events, 1)
	assert.Equal(t, model.EventStartWarning, evs.Events[0].EventType)

	rec = doRequest(t, h, http.MethodPost, "/v1/tasks/INC-1/events", `{"kind":"completed"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	env.at(4 * time.Hour)
	assert.Equal(t, 0, env.drain(env.svc.dispatcher))
}

func TestHTTP_Errors(t *testing.T) {
	env := newTestEnv(t)
	h := env.svc.router()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"malformed body", http.MethodPost, "/v1/tasks/T/events", `{`, http.StatusBadRequest, uds.ErrCodeValidation},
		{"unknown kind", http.MethodPost, "/v1/tasks/T/events", `{"kind":"exploded"}`, http.StatusBadRequest, uds.ErrCodeValidation},
		{"created without task", http.MethodPost, "/v1/tasks/T/events", `{"kind":"created"}`, http.StatusBadRequest, uds.ErrCodeValidation},
		{"mismatched id", http.MethodPost, "/v1/tasks/T/events", `{"kind":"created","task":{"id":"U","type":"TASK"}}`, http.StatusBadRequest, uds.ErrCodeValidation},
		{"requeue unknown timer", http.MethodPost, "/v1/tasks/T/timers/START_CHECK/requeue", ``, http.StatusNotFound, uds.ErrCodeNotFound},
		{"requeue bad purpose", http.MethodPost, "/v1/tasks/T/timers/LUNCH/requeue", ``, http.StatusBadRequest, uds.ErrCodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			var body httpError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
		})
	}

	rec := doRequest(t, h, http.MethodDelete, "/v1/tasks/T/events", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTP_RequeueLiveTimerRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createIncident("INC-2")
	rec := doRequest(t, env.svc.router(), http.MethodPost, "/v1/tasks/INC-2/timers/START_CHECK/requeue", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "only DEAD_LETTER timers can be requeued")
}
