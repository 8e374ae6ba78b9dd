package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	wperrors "github.com/randalmurphal/waypoint/pkg/waypoint/errors"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testStep() dispatch.Step {
	return dispatch.Step{
		SessionID: "sess-1",
		Agent:     session.AgentContentPlanner,
		Stage:     1,
		Attempt:   1,
		FormData:  json.RawMessage(`{"destination":"Lisbon"}`),
	}
}

// fakeDispatcher fails a fixed number of times before succeeding.
type fakeDispatcher struct {
	failures atomic.Int32
	err      error
	calls    atomic.Int32
	cancels  atomic.Int32
}

func (f *fakeDispatcher) Dispatch(context.Context, dispatch.Step) (dispatch.Handle, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return "", f.err
	}
	return "h-1", nil
}

func (f *fakeDispatcher) Cancel(context.Context, dispatch.Handle) error {
	f.cancels.Add(1)
	return nil
}

func TestDispatchError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&dispatch.DispatchError{SessionID: "s", Agent: session.AgentStrategist, Attempts: 3, Err: cause})

	assert.ErrorIs(t, err, dispatch.ErrDispatchFailure)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "strategist")
	assert.Contains(t, err.Error(), "3 attempt(s)")
}

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		err       error
		wantCalls int32
		wantErr   bool
	}{
		{"first attempt succeeds", 0, nil, 1, false},
		{"transient then success", 2, errors.New("connection reset"), 3, false},
		{"exhausted", 10, errors.New("connection reset"), 3, true},
		{"5xx retried", 10, &wperrors.HTTPError{StatusCode: 503}, 3, true},
		{"4xx not retried", 10, &wperrors.HTTPError{StatusCode: 400}, 1, true},
		{"closed not retried", 10, dispatch.ErrDispatcherClosed, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeDispatcher{err: tt.err}
			f.failures.Store(tt.failures)
			d := dispatch.WithRetry(f, dispatch.Policy{MaxRetries: 2, Delay: time.Millisecond}, nil)

			h, err := d.Dispatch(context.Background(), testStep())
			assert.Equal(t, tt.wantCalls, f.calls.Load())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, dispatch.Handle("h-1"), h)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, dispatch.ErrDispatchFailure)
			assert.ErrorIs(t, err, tt.err)

			var de *dispatch.DispatchError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "sess-1", de.SessionID)
			assert.Equal(t, int(tt.wantCalls), de.Attempts)
		})
	}
}

func TestWithRetry_CancelPassesThrough(t *testing.T) {
	f := &fakeDispatcher{}
	d := dispatch.WithRetry(f, dispatch.Policy{}, nil)
	require.NoError(t, d.Cancel(context.Background(), "h-1"))
	assert.Equal(t, int32(1), f.cancels.Load())
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	f := &fakeDispatcher{err: errors.New("down")}
	f.failures.Store(100)
	d := dispatch.WithRetry(f, dispatch.Policy{MaxRetries: 50, Delay: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, testStep())
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrDispatchFailure)
	assert.Less(t, f.calls.Load(), int32(50))
}

func TestHTTPDispatcher(t *testing.T) {
	var (
		mu       sync.Mutex
		received map[string]any
		header   string
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.Unmarshal(body, &received))
		header = r.Header.Get(dispatch.HandleHeader)
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, err := dispatch.NewHTTPDispatcher(srv.URL+"/", dispatch.WithHeader("Authorization", "Bearer t"))
	require.NoError(t, err)
	step := testStep()
	step.CallbackURL = "http://waypoint/v1/callbacks/sess-1/content-planner"

	h, err := d.Dispatch(context.Background(), step)
	require.NoError(t, err)
	require.NotEmpty(t, h)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(h), header)
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, string(h), received["handle"])
	assert.Equal(t, "sess-1", received["sessionId"])
	assert.Equal(t, "content-planner", received["agent"])
	assert.Equal(t, step.CallbackURL, received["callbackUrl"])
	assert.Equal(t, map[string]any{"destination": "Lisbon"}, received["formData"])
}

func TestHTTPDispatcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "executor overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, err := dispatch.NewHTTPDispatcher(srv.URL)
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), testStep())
	var httpErr *wperrors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, "executor overloaded", httpErr.Message)
	assert.True(t, wperrors.IsRetryable(err))
}

func TestHTTPDispatcher_Cancel(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/steps/known":
			w.WriteHeader(http.StatusNoContent)
		case "/steps/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d, err := dispatch.NewHTTPDispatcher(srv.URL + "/steps")
	require.NoError(t, err)
	require.NoError(t, d.Cancel(context.Background(), "known"))
	require.NoError(t, d.Cancel(context.Background(), "gone"))
	require.NoError(t, d.Cancel(context.Background(), ""))
	assert.Error(t, d.Cancel(context.Background(), "broken"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"DELETE /steps/known", "DELETE /steps/gone", "DELETE /steps/broken"}, paths)
}

func TestHTTPDispatcher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	hd, err := dispatch.NewHTTPDispatcher(url)
	require.NoError(t, err)
	d := dispatch.WithRetry(hd, dispatch.Policy{MaxRetries: 1, Delay: time.Millisecond}, nil)
	_, err = d.Dispatch(context.Background(), testStep())
	var de *dispatch.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Attempts)
}
