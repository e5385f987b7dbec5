package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"stage": environmentStaging,
}

// AppEnvironment returns the normalised application environment from
// APP_ENV, defaulting to development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// ResolveConfigPath swaps the default config file for an environment
// specific sibling (config.production.yml, config.staging.yml, ...) when
// one exists. An explicitly chosen path is never overridden.
func ResolveConfigPath(path, defaultPath string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}

	env := AppEnvironment()
	if env == environmentDevelopment {
		return path
	}

	envPath := envSpecificPath(defaultPath, env)
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	return path
}

func envSpecificPath(defaultPath, env string) string {
	base := filepath.Base(defaultPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(filepath.Dir(defaultPath), fmt.Sprintf("%s.%s%s", name, env, ext))
}
