package httpapi

import (
	"html/template"
	"net/http"
	"time"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <meta http-equiv="refresh" content="10" />
  <title>Lens Relay Index</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 24px;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    h1 { margin: 0 0 4px; font-size: 1.4rem; }
    .sub { color: var(--muted); font-size: 0.85rem; }
    .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 12px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    .card .label { color: var(--muted); font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.06em; }
    .card .value { font-size: 1.6rem; font-weight: 600; margin-top: 4px; }
    .status-ok { color: var(--accent); }
    .status-degraded { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 500; }
    td.mono { font-family: ui-monospace, monospace; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Lens Relay Index</h1>
      <div class="sub">generated {{.GeneratedAt}}</div>
    </div>
    <div class="cards">
      <div class="card"><div class="label">Worker</div>
        <div class="value {{if .Degraded}}status-degraded{{else}}status-ok{{end}}">{{.WorkerStatus}}</div></div>
      <div class="card"><div class="label">Documents</div><div class="value">{{.DocCount}}</div></div>
      <div class="card"><div class="label">Resolved paths</div><div class="value">{{.PathCount}}</div></div>
      <div class="card"><div class="label">Folders</div><div class="value">{{.FolderCount}}</div></div>
      <div class="card"><div class="label">Pending index</div><div class="value">{{.PendingDocs}}</div></div>
    </div>
    <div class="card">
      <h1>Recent events</h1>
      <table>
        <tr><th>Event</th><th>Document</th><th>Origin</th><th>At</th></tr>
        {{range .RecentEvents}}
        <tr>
          <td class="mono">{{.EventID}}</td>
          <td class="mono">{{.DocID}}</td>
          <td>{{.Origin}}</td>
          <td>{{.Timestamp}}</td>
        </tr>
        {{else}}
        <tr><td colspan="4">no events yet</td></tr>
        {{end}}
      </table>
    </div>
  </div>
</body>
</html>`

var dashboardTmpl = template.Must(template.New("dashboard").Parse(dashboardHTML))

type dashboardData struct {
	GeneratedAt  string
	WorkerStatus string
	Degraded     bool
	DocCount     int
	PathCount    int
	FolderCount  int
	PendingDocs  int
	RecentEvents []docstore.Event
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	data := dashboardData{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		WorkerStatus: "ok",
		DocCount:     len(s.store.DocIDs()),
		PathCount:    s.resolver.Len(),
		FolderCount:  len(s.store.FolderDocIDs("")),
	}
	if err := s.workerFailure(); err != nil {
		data.WorkerStatus = "degraded"
		data.Degraded = true
	}
	if s.indexer != nil {
		data.PendingDocs = s.indexer.Pending()
	}

	// Newest first, capped at twenty rows.
	events, _ := s.store.EventsSince("", 1<<30)
	if len(events) > 20 {
		events = events[len(events)-20:]
	}
	for i := len(events) - 1; i >= 0; i-- {
		data.RecentEvents = append(data.RecentEvents, events[i])
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dashboardTmpl.Execute(w, data)
}
