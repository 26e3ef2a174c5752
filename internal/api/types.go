package api

import "time"

// AppResponse describes one routable application.
type AppResponse struct {
	Identifier   string   `json:"identifier"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Namespace    string   `json:"namespace"`
	Root         string   `json:"root"`
	OutputDir    string   `json:"output_dir"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// AppsResponse is returned by GET /v1/apps and POST /v1/apps/rediscover.
type AppsResponse struct {
	Apps        []AppResponse `json:"apps"`
	Warnings    []AppWarning  `json:"warnings,omitempty"`
	Fingerprint string        `json:"fingerprint"`
	BuiltAt     time.Time     `json:"built_at"`
}

// AppWarning is a manifest that was not admitted.
type AppWarning struct {
	Kind       string `json:"kind"`
	Path       string `json:"path"`
	Identifier string `json:"identifier,omitempty"`
	Message    string `json:"message"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string   `json:"error"`
	Known []string `json:"known,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AppsLoaded    int    `json:"apps_loaded"`
	Fingerprint   string `json:"fingerprint"`
	Busy          int    `json:"dispatches_in_flight"`
}
