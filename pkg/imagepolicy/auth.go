package imagepolicy

import (
	"encoding/base64"
	"encoding/json"
)

// dockerConfig mirrors the subset of a ~/.docker/config.json shape the
// DOCKER_CONFIG_JSON environment variable carries: per-registry
// credentials under "auths".
type dockerConfig struct {
	Auths map[string]struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Auth     string `json:"auth"`
	} `json:"auths"`
}

// registryAuth extracts and base64-encodes the credentials for
// registry out of a raw DOCKER_CONFIG_JSON blob, in the form the
// engine's RegistryAuth header expects. Returns "" if configJSON is
// empty or carries no entry for registry.
func registryAuth(configJSON, registry string) string {
	if configJSON == "" {
		return ""
	}

	var cfg dockerConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return ""
	}

	entry, ok := cfg.Auths[registry]
	if !ok {
		return ""
	}

	authConfig := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{Username: entry.Username, Password: entry.Password}

	data, err := json.Marshal(authConfig)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}
