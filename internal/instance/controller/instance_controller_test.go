package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"labforge/internal/instance/repository"
	"labforge/internal/instance/service"
	appErr "labforge/pkg/errors"

	"github.com/gin-gonic/gin"
)

var testExpiry = time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)

type fakeInstanceService struct {
	lastUser string
	startErr error
	stopErr  error
	extErr   error
}

func (f *fakeInstanceService) Start(ctx context.Context, userID, machineID string) (*repository.Instance, error) {
	f.lastUser = userID
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &repository.Instance{ID: "i1", UserID: userID, MachineID: machineID, RuntimeID: "rt-secret", Address: "10.0.0.1", ExpiresAt: testExpiry}, nil
}

func (f *fakeInstanceService) Stop(ctx context.Context, instanceID, userID string) error {
	f.lastUser = userID
	return f.stopErr
}

func (f *fakeInstanceService) Extend(ctx context.Context, instanceID, userID string) (time.Time, error) {
	f.lastUser = userID
	if f.extErr != nil {
		return time.Time{}, f.extErr
	}
	return testExpiry.Add(time.Hour), nil
}

func (f *fakeInstanceService) Get(ctx context.Context, instanceID, userID string) (*repository.Instance, error) {
	if instanceID != "i1" {
		return nil, appErr.New(appErr.InstanceNotFound)
	}
	return &repository.Instance{ID: "i1", UserID: userID, MachineID: "m1", RuntimeID: "rt-secret", Status: repository.StatusRunning, ExpiresAt: testExpiry}, nil
}

func (f *fakeInstanceService) Active(ctx context.Context, userID, machineID string) (*repository.Instance, error) {
	return nil, appErr.New(appErr.InstanceNotFound)
}

type fakeSweeper struct{}

func (fakeSweeper) Sweep(ctx context.Context) (service.SweepResult, error) {
	return service.SweepResult{Cleaned: 2, Total: 3, Errors: []string{"instance b: stop runtime: boom"}}, nil
}

func newRouter(svc InstanceService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("user_id", "u1")
		c.Next()
	})
	h := NewInstanceController(svc, fakeSweeper{})
	r.POST("/instances", h.Start)
	r.GET("/instances/active", h.Active)
	r.GET("/instances/:id", h.Get)
	r.POST("/instances/:id/stop", h.Stop)
	r.POST("/instances/:id/extend", h.Extend)
	r.POST("/internal/reap", h.Reap)
	return r
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response failed: %v (%s)", err, w.Body.String())
	}
	return w.Code, env
}

func TestStartEndpoint(t *testing.T) {
	svc := &fakeInstanceService{}
	r := newRouter(svc)

	status, env := do(t, r, http.MethodPost, "/instances", `{"machine_id":"m1"}`)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	var data StartResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data failed: %v", err)
	}
	if data.InstanceID != "i1" || data.Address != "10.0.0.1" || !data.ExpiresAt.Equal(testExpiry) {
		t.Fatalf("unexpected data: %+v", data)
	}
	if svc.lastUser != "u1" {
		t.Fatalf("expected caller identity to reach the service")
	}

	status, _ = do(t, r, http.MethodPost, "/instances", `{}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing machine_id, got %d", status)
	}
}

func TestStartEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{appErr.New(appErr.InstanceConflict), http.StatusConflict},
		{appErr.New(appErr.MachineUnavailable), http.StatusNotFound},
		{appErr.RuntimeError(context.DeadlineExceeded, "start", true), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newRouter(&fakeInstanceService{startErr: tc.err})
		status, env := do(t, r, http.MethodPost, "/instances", `{"machine_id":"m1"}`)
		if status != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, status)
		}
		if env.Code != int(appErr.GetCode(tc.err)) {
			t.Fatalf("expected envelope code %d, got %d", appErr.GetCode(tc.err), env.Code)
		}
	}
}

func TestStopAndExtendEndpoints(t *testing.T) {
	r := newRouter(&fakeInstanceService{})
	status, env := do(t, r, http.MethodPost, "/instances/i1/stop", "")
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"ok":true`) {
		t.Fatalf("unexpected stop response: %d %s", status, env.Data)
	}

	status, env = do(t, r, http.MethodPost, "/instances/i1/extend", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var ext ExtendResponse
	if err := json.Unmarshal(env.Data, &ext); err != nil || !ext.ExpiresAt.Equal(testExpiry.Add(time.Hour)) {
		t.Fatalf("unexpected extend data: %s", env.Data)
	}

	r = newRouter(&fakeInstanceService{
		stopErr: appErr.New(appErr.InstanceInvalidState),
		extErr:  appErr.New(appErr.InstanceLimitExceeded),
	})
	if status, _ := do(t, r, http.MethodPost, "/instances/i1/stop", ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid state, got %d", status)
	}
	if status, _ := do(t, r, http.MethodPost, "/instances/i1/extend", ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit exceeded, got %d", status)
	}
}

func TestGetHidesRuntimeID(t *testing.T) {
	r := newRouter(&fakeInstanceService{})
	status, env := do(t, r, http.MethodGet, "/instances/i1", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if strings.Contains(string(env.Data), "rt-secret") {
		t.Fatalf("runtime id must not be exposed: %s", env.Data)
	}
	if status, _ := do(t, r, http.MethodGet, "/instances/nope", ""); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status, _ := do(t, r, http.MethodGet, "/instances/active", ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without machine_id, got %d", status)
	}
	if status, _ := do(t, r, http.MethodGet, "/instances/active?machine_id=m1", ""); status != http.StatusNotFound {
		t.Fatalf("expected 404 without active instance, got %d", status)
	}
}

func TestReapEndpoint(t *testing.T) {
	r := newRouter(&fakeInstanceService{})
	status, env := do(t, r, http.MethodPost, "/internal/reap", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var result service.SweepResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode sweep result failed: %v", err)
	}
	if result.Cleaned != 2 || result.Total != 3 || len(result.Errors) != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
}
