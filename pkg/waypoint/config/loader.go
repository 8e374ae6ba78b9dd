package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultFiles are tried in order when no config file is named.
var DefaultFiles = []string{"waypoint.yaml", "waypoint.yml", "waypoint.json"}

// Load reads the config file a process starts from. A named path must
// exist. With an empty path the first of DefaultFiles present on fs is
// read, and an empty Config is returned when there is none. The second
// result is the file that was read, or "".
func Load(fs afero.Fs, path string) (Config, string, error) {
	if path != "" {
		cfg, err := FromFS(fs, path)
		if err != nil {
			return Config{}, "", err
		}
		return cfg, path, nil
	}
	for _, name := range DefaultFiles {
		ok, err := afero.Exists(fs, name)
		if err != nil {
			return Config{}, "", fmt.Errorf("stat %s: %w", name, err)
		}
		if !ok {
			continue
		}
		cfg, err := FromFS(fs, name)
		if err != nil {
			return Config{}, "", err
		}
		return cfg, name, nil
	}
	return New(nil), "", nil
}

// FromFS parses the file at path as YAML or JSON, chosen by extension.
// ${NAME} references are filled from the environment first; names that
// are not set are left as written.
func FromFS(fs afero.Fs, path string) (Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	data = expandEnv(data)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON object.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return ref
	})
}
