// Package config provides configuration helpers for voiced commands.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults for the daemon.
const (
	DefaultSocketPath  = "/tmp/voiced-widget.sock"
	DefaultControlAddr = ":8765"
	DefaultAgentURL    = "ws://127.0.0.1:8790/agent"
	DefaultLocalURL    = "http://127.0.0.1:8080"
)

// Env returns the value of an environment variable or a default.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvDuration returns a duration from the environment or a default.
// Invalid values fall back to the default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvInt returns an integer from the environment or a default.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvBool returns a boolean from the environment or a default.
// Accepts the forms strconv.ParseBool accepts.
func EnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SocketPath returns the widget socket path from VOICED_SOCKET or default.
func SocketPath() string {
	return Env("VOICED_SOCKET", DefaultSocketPath)
}

// ControlAddr returns the control server listen address.
func ControlAddr() string {
	return Env("VOICED_CONTROL_ADDR", DefaultControlAddr)
}

// AgentURL returns the SDK agent websocket URL.
func AgentURL() string {
	return Env("VOICED_AGENT_URL", DefaultAgentURL)
}

// LocalModelURL returns the local model server base URL.
func LocalModelURL() string {
	return Env("VOICED_LOCAL_URL", DefaultLocalURL)
}
