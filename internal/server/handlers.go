package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/substrate-ai/relay/pkg/agent"
	"github.com/substrate-ai/relay/pkg/endpoint"
)

const handlersLogPrefix = "server:handlers"

// HealthOutput is the /health document.
type HealthOutput struct {
	Status    string         `json:"status"`
	Label     string         `json:"label"`
	Checks    HealthChecks   `json:"checks"`
	Endpoint  endpoint.Stats `json:"endpoint"`
	Agent     *agent.Status  `json:"agent"`
	Timestamp string         `json:"timestamp"`
}

// HealthChecks lists the individual dependency checks. A nil pointer means
// the dependency is not configured.
type HealthChecks struct {
	Endpoint  bool           `json:"endpoint"`
	Comms     *bool          `json:"comms,omitempty"`
	Database  *bool          `json:"database,omitempty"`
	Transport TransportCheck `json:"transport"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", s.handleReady())
	return mux
}

// Health runs the dependency checks.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:    "healthy",
		Label:     Label,
		Endpoint:  s.endpoint.Stats(),
		Agent:     s.ctrl.Status(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	h.Checks.Endpoint = s.endpoint.Addr() != nil && s.ready.Load()
	if !h.Checks.Endpoint {
		h.Status = "unhealthy"
	}
	h.Checks.Transport.Failures = h.Endpoint.TransportFailures
	if at, msg, ok := s.transport.recent(time.Now()); ok {
		h.Checks.Transport.LastFailure = &at
		h.Checks.Transport.LastError = msg
		if h.Status == "healthy" {
			h.Status = "degraded"
		}
	}
	if s.nc != nil {
		ok := s.nc.IsConnected()
		h.Checks.Comms = &ok
		if !ok {
			h.Status = "unhealthy"
		}
	}
	if s.pool != nil {
		ok := s.pool.Ping(ctx) == nil
		h.Checks.Database = &ok
		if !ok {
			h.Status = "unhealthy"
		}
	}
	return h
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.Health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

func (s *Server) handleReady() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

var homePage = template.Must(template.New("home").Parse(homePageTemplate))

type homePageData struct {
	Health *HealthOutput
	Config *agent.Snapshot
}

func (s *Server) handleHome() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homePageData{Health: s.Health(ctx), Config: s.ctrl.Config()}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := homePage.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home page render: %v", handlersLogPrefix, err))
		}
	}
}

// homePageTemplate is the HTML for the agent host status page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Health.Label}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    .status-degraded { color: #cc8800; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; width: 220px; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>{{.Health.Label}}</h1>
  <p class="meta">Agent host status, configuration and command endpoint activity.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Agent</h2>
    <table>
      <tr><th>State</th><td>{{.Health.Agent.State}}</td></tr>
      <tr><th>Profile</th><td>{{if .Health.Agent.Profile}}{{.Health.Agent.Profile}}{{else}}(none){{end}}</td></tr>
      <tr><th>Pending messages</th><td>{{.Health.Agent.PendingMessages}}</td></tr>
      <tr><th>Notifications</th><td>{{len .Health.Agent.Notifications}}</td></tr>
      <tr><th>Restarts</th><td>{{.Health.Agent.Restarts}}</td></tr>
    </table>
  </section>

  <section>
    <h2>Configuration</h2>
    <table>
      <tr><th>Model</th><td>{{.Config.Model}}</td></tr>
      <tr><th>API endpoint</th><td>{{.Config.APIEndpoint}}</td></tr>
      <tr><th>Revision</th><td>{{.Config.Revision}}</td></tr>
      {{range $name, $f := .Config.Autonomy}}
      <tr><th>Autonomy: {{$name}}</th><td>{{if $f.Enabled}}enabled{{else}}disabled{{end}} ({{$f.MinInterval}}s to {{$f.MaxInterval}}s)</td></tr>
      {{end}}
    </table>
  </section>

  <section>
    <h2>Command endpoint</h2>
    <table>
      <tr><th>Connections</th><td>{{.Health.Endpoint.Connections}} ({{.Health.Endpoint.Active}} active)</td></tr>
      <tr><th>Requests</th><td>{{.Health.Endpoint.Requests}}</td></tr>
      <tr><th>Denied</th><td>{{.Health.Endpoint.Denied}}</td></tr>
      <tr><th>Transport failures</th><td>{{.Health.Endpoint.TransportFailures}}</td></tr>
    </table>
  </section>
</body>
</html>
`
