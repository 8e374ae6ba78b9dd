/*
Package config provides type-safe configuration extraction from map[string]any
and the resolved Settings of a waypoint process.

# Overview

Config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
Keys may be dotted paths that walk nested sections:

	cfg := config.New(map[string]any{
	    "store": map[string]any{
	        "backend":     "sqlite",
	        "session_ttl": "12h",
	    },
	})

	backend := cfg.String("store.backend", "memory")          // "sqlite"
	ttl := cfg.Duration("store.session_ttl", 24*time.Hour)    // 12h
	retries := cfg.Int("dispatch.max_retries", 3)             // 3

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

Int, Float and Bool also accept strings, so values coming from environment
variables resolve the same way as values from a file.

# Settings

FromConfig resolves every setting, falling back to Defaults:

	settings := config.FromConfig(cfg)
	if err := settings.Validate(); err != nil {
	    return err
	}

# File Loading

Load reads a named file, or the first of DefaultFiles in the working
directory. ${NAME} references in the file are filled from the environment.

	cfg, used, err := config.Load(afero.NewOsFs(), "")

	// Or a specific file on any afero filesystem, or bytes
	cfg, err = config.FromFS(fs, "/etc/waypoint.json")
	cfg, err = config.FromYAML(yamlBytes)

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
