package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		routed bool
		errMsg string
	}{
		{"plain", "http://executor:8000/steps/", false, ""},
		{"by agent", "https://executors.internal/${agent}/steps", true, ""},
		{"by stage", "http://executor-${stage}:8000/steps", true, ""},
		{"unknown placeholder", "http://executor/${session}/${run}/${session}", false, "placeholders: session, run"},
		{"relative", "/steps", false, "absolute http(s) URL"},
		{"wrong scheme", "ftp://executor/steps", false, "absolute http(s) URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := dispatch.ParseEndpoint(tt.raw)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.routed, ep.Routed())
			assert.False(t, strings.HasSuffix(ep.String(), "/"))
		})
	}
}

func TestEndpoint_Resolve(t *testing.T) {
	ep, err := dispatch.ParseEndpoint("http://executors/${agent}/steps?stage=${stage}")
	require.NoError(t, err)

	assert.Equal(t, "http://executors/content-planner/steps?stage=1", ep.Resolve(session.AgentContentPlanner))
	assert.Equal(t, "http://executors/compiler/steps?stage=4", ep.Resolve(session.AgentCompiler))
}

func TestHTTPDispatcher_RoutesByAgent(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, err := dispatch.NewHTTPDispatcher(srv.URL + "/${agent}/steps")
	require.NoError(t, err)

	step := testStep()
	step.Agent = session.AgentStrategist
	h, err := d.Dispatch(context.Background(), step)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(h), "strategist:"))

	require.NoError(t, d.Cancel(context.Background(), h))
	assert.Error(t, d.Cancel(context.Background(), "01JABCDEF"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2)
	assert.Equal(t, "POST /strategist/steps", paths[0])
	assert.True(t, strings.HasPrefix(paths[1], "DELETE /strategist/steps/strategist:"))
}

func TestNewHTTPDispatcher_InvalidEndpoint(t *testing.T) {
	_, err := dispatch.NewHTTPDispatcher("http://executor/${tenant}")
	var pe *dispatch.UnknownPlaceholderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"tenant"}, pe.Names)
}
