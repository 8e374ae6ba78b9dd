package main

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/waypoint/pkg/waypoint/config"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

func TestPruneEmpty(t *testing.T) {
	m := map[string]any{
		"log":   map[string]any{"level": "", "format": "json"},
		"store": map[string]any{"backend": ""},
		"addr":  "",
	}
	pruneEmpty(m)

	assert.Equal(t, map[string]any{
		"log":   map[string]any{"format": "json"},
		"store": map[string]any{},
	}, m)

	s := config.FromConfig(config.New(m))
	assert.Equal(t, config.BackendMemory, s.Store.Backend)
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, "info", s.Log.Level)
}

func TestMergeConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("WAYPOINT_STORE_BACKEND", "file")
	t.Setenv("WAYPOINT_TEST_DATA_DIR", "/var/lib/waypoint")
	bindEnv()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "waypoint.yaml", []byte(`
store:
  backend: sqlite
  path: ${WAYPOINT_TEST_DATA_DIR}/sessions
  session_ttl: 12h
log:
  level: debug
`), 0o644))
	require.NoError(t, mergeConfigFile(fs, ""))

	s, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, config.BackendFile, s.Store.Backend, "environment overrides the file")
	assert.Equal(t, "/var/lib/waypoint/sessions", s.Store.Path)
	assert.Equal(t, 12*time.Hour, s.Store.SessionTTL)
	assert.Equal(t, "debug", s.Log.Level)
}

func TestMergeConfigFile_NamedFileMissing(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	assert.Error(t, mergeConfigFile(afero.NewMemMapFs(), "/etc/waypoint.yaml"))
}

func TestParseForm(t *testing.T) {
	form := parseForm([]byte(`{"destination":"Oaxaca","days":2,"interests":["food"]}`))
	assert.Equal(t, tripForm{Destination: "Oaxaca", Days: 2, Interests: []string{"food"}}, form)

	form = parseForm([]byte(`not json`))
	assert.Equal(t, "somewhere", form.Destination)
	assert.Equal(t, 3, form.Days)
}

func TestSimulatedOutput(t *testing.T) {
	form := tripForm{Destination: "Oaxaca", Days: 2}
	for _, agent := range session.Agents {
		out := simulatedOutput(agent, form)
		require.NotNil(t, out, agent)
		assert.Equal(t, agent, out.Agent())
	}

	it, ok := simulatedOutput(session.AgentCompiler, form).(*session.Itinerary)
	require.True(t, ok)
	assert.Equal(t, "2 days in Oaxaca", it.Title)
	assert.Len(t, it.Days, 2)
	assert.Contains(t, it.Markdown, "## Day 2")
}
