package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"nstbot/internal/core/domain"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Submit(ctx context.Context, req domain.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockDispatcher) Status(ctx context.Context, id string) (domain.Status, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Status), args.Error(1)
}

func (m *mockDispatcher) Task(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(ctx, id)
	task, _ := args.Get(0).(*domain.Task)
	return task, args.Error(1)
}

func (m *mockDispatcher) Result(ctx context.Context, id string) ([]byte, error) {
	args := m.Called(ctx, id)
	result, _ := args.Get(0).([]byte)
	return result, args.Error(1)
}

func (m *mockDispatcher) Wait(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(ctx, id)
	task, _ := args.Get(0).(*domain.Task)
	return task, args.Error(1)
}

func (m *mockDispatcher) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(ctx, id)
	task, _ := args.Get(0).(*domain.Task)
	return task, args.Error(1)
}

func newServer(t *testing.T, d *mockDispatcher) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(NewHandler(d, Config{MaxUploadBytes: 1 << 20, MaxWait: time.Second}).Router(nil))
	t.Cleanup(srv.Close)

	return srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitMultipart(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Submit", mock.Anything, domain.Request{
		Content:   []byte("content-bytes"),
		Style:     []byte("style-bytes"),
		Strength:  4,
		Algorithm: domain.Gatys,
	}).Return("task-1", nil)

	srv := newServer(t, d)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, data := range map[string]string{"content": "content-bytes", "style": "style-bytes"} {
		fw, err := mw.CreateFormFile(field, field+".jpg")
		require.NoError(t, err)
		_, err = fw.Write([]byte(data))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("strength", "4"))
	require.NoError(t, mw.WriteField("algorithm", "iterative"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/v1/tasks", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/tasks/task-1", resp.Header.Get("Location"))
	got := decode[submitResponse](t, resp)
	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	d.AssertExpectations(t)
}

func TestSubmitJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{
			name:       "accepted with default algorithm",
			body:       `{"content":"YWJj","style":"ZGVm","strength":2}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "invalid strength",
			body:       `{"content":"YWJj","style":"ZGVm","strength":6}`,
			submitErr:  domain.ErrInvalidStrength,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "queue down",
			body:       `{"content":"YWJj","style":"ZGVm","strength":2}`,
			submitErr:  fmt.Errorf("%w: nats", domain.ErrQueueUnavailable),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unknown algorithm",
			body:       `{"content":"YWJj","style":"ZGVm","strength":2,"algorithm":"pix2pix"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"content":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{}
			d.On("Submit", mock.Anything, mock.MatchedBy(func(req domain.Request) bool {
				return string(req.Content) == "abc" && string(req.Style) == "def" && req.Algorithm == domain.AdaIN
			})).Return("task-1", tt.submitErr).Maybe()

			srv := newServer(t, d)

			resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestSubmitTooLarge(t *testing.T) {
	srv := newServer(t, &mockDispatcher{})

	body := `{"content":"` + strings.Repeat("A", 2<<20) + `"}`
	resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Task", mock.Anything, "task-1").Return(&domain.Task{
		ID: "task-1", Algorithm: domain.AdaIN, Strength: 3, Status: domain.StatusRunning,
	}, nil)
	d.On("Task", mock.Anything, "nope").Return(nil, domain.ErrNotFound)

	srv := newServer(t, d)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/task-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[domain.Task](t, resp)
	assert.Equal(t, domain.StatusRunning, task.Status)

	resp, err = http.Get(srv.URL + "/api/v1/tasks/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetResult(t *testing.T) {
	tests := []struct {
		id         string
		result     []byte
		err        error
		wantStatus int
	}{
		{id: "done", result: []byte("jpeg-bytes"), wantStatus: http.StatusOK},
		{id: "running", err: domain.ErrNotReady, wantStatus: http.StatusConflict},
		{id: "failed", err: fmt.Errorf("%w: %s", domain.ErrTaskFailed, domain.ReasonDecode),
			wantStatus: http.StatusUnprocessableEntity},
		{id: "cancelled", err: domain.ErrTaskCancelled, wantStatus: http.StatusGone},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			d := &mockDispatcher{}
			d.On("Result", mock.Anything, tt.id).Return(tt.result, tt.err)
			srv := newServer(t, d)

			resp, err := http.Get(srv.URL + "/api/v1/tasks/" + tt.id + "/result")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.result != nil {
				assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestWaitTask(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Wait", mock.Anything, "done").Return(&domain.Task{ID: "done", Status: domain.StatusSuccess}, nil)
	d.On("Wait", mock.Anything, "slow").
		Return(&domain.Task{ID: "slow", Status: domain.StatusRunning}, fmt.Errorf("waiting: %w", context.DeadlineExceeded))

	srv := newServer(t, d)

	resp, err := http.Post(srv.URL+"/api/v1/tasks/done/wait?timeout=500ms", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/tasks/slow/wait", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, domain.StatusRunning, decode[domain.Task](t, resp).Status)

	resp, err = http.Post(srv.URL+"/api/v1/tasks/done/wait?timeout=soon", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Cancel", mock.Anything, "a").Return(&domain.Task{ID: "a", Status: domain.StatusCancelled}, nil)
	d.On("Cancel", mock.Anything, "b").Return(nil, domain.ErrTaskFinished)

	srv := newServer(t, d)

	for id, want := range map[string]int{"a": http.StatusOK, "b": http.StatusConflict} {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/tasks/"+id, nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, want, resp.StatusCode, id)
	}
}

func TestHealth(t *testing.T) {
	srv := newServer(t, &mockDispatcher{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
