package opshttp

import (
	"net/http"

	"github.com/keithlinneman/readiness-proxy/internal/health"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 9000

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Targets, when set, backs GET /-/targets with the URLs currently loaded.
	// It reflects SIGHUP reloads.
	Targets func() []string

	UseRecoverMW bool
	OnPanic      func()
}
