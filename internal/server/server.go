// Package server exposes the historical store over HTTP: a JSON API for
// downstream consumers and a small HTML view of recent ingest runs.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/rentradar/markethist/internal/metric"
	"github.com/rentradar/markethist/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// Server serves metric history and run reports.
type Server struct {
	store store.Store
	log   *zap.Logger
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(st store.Store, log *zap.Logger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"shortTime": func(t time.Time) string {
			return t.Format("2006-01-02 15:04")
		},
	}

	// Each page clones the base so it gets its own content block.
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	pageNames := []string{"index.html", "run.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{store: st, log: log, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/run/", s.handleRun)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/families", s.handleFamilies)
	s.mux.HandleFunc("/api/v1/latest-periods", s.handleLatestPeriods)
	s.mux.HandleFunc("/api/v1/locations/", s.handleLocations)
	s.mux.HandleFunc("/api/v1/metrics/", s.handleMetrics)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	runs, err := s.store.RecentRuns(r.Context(), 50)
	if err != nil {
		s.serverError(w, "listing runs", err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Runs": runs,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/run/")
	if id == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.serverError(w, "reading run", err)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}

	s.render(w, "run.html", map[string]any{
		"Run": run,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	type familyStats struct {
		Family       string `json:"family"`
		Table        string `json:"table"`
		Rows         int    `json:"rows"`
		Locations    int    `json:"locations"`
		LatestPeriod string `json:"latest_period,omitempty"`
	}

	var out []familyStats
	for _, fam := range metric.Families() {
		stats, err := s.store.FamilyStats(r.Context(), fam)
		if err != nil {
			s.serverError(w, "reading family stats", err)
			return
		}
		out = append(out, familyStats{
			Family:       fam.Name,
			Table:        fam.Table,
			Rows:         stats.Rows,
			Locations:    stats.Locations,
			LatestPeriod: stats.LatestPeriod,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLatestPeriods(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string)
	for _, fam := range metric.Families() {
		stats, err := s.store.FamilyStats(r.Context(), fam)
		if err != nil {
			s.serverError(w, "reading family stats", err)
			return
		}
		out[fam.Name] = stats.LatestPeriod
	}
	s.writeJSON(w, http.StatusOK, out)
}

// GET /api/v1/locations/{family}
func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/locations/")
	fam, err := metric.FamilyByName(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	locs, err := s.store.Locations(r.Context(), fam)
	if err != nil {
		s.serverError(w, "listing locations", err)
		return
	}

	type location struct {
		Key     string `json:"key"`
		Name    string `json:"name,omitempty"`
		Type    string `json:"type,omitempty"`
		Periods int    `json:"periods"`
	}
	out := make([]location, 0, len(locs))
	for _, l := range locs {
		out = append(out, location{Key: l.Key, Name: l.Name, Type: l.Type, Periods: l.Periods})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// GET /api/v1/metrics/{family}/{location}
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/metrics/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		http.Error(w, "expected /api/v1/metrics/{family}/{location}", http.StatusBadRequest)
		return
	}

	fam, err := metric.FamilyByName(parts[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	rows, err := s.store.History(r.Context(), fam, parts[1])
	if err != nil {
		s.serverError(w, "reading history", err)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "no history for location", http.StatusNotFound)
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowJSON(fam, row))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"family":   fam.Name,
		"location": parts[1],
		"history":  out,
	})
}

// rowJSON flattens a row into one JSON object. Absent fields render as
// null so the payload shape is stable across rows.
func rowJSON(fam metric.Family, row metric.Row) map[string]any {
	obj := map[string]any{
		fam.LocationColumn: row.LocationKey,
		fam.PeriodColumn:   row.PeriodKey,
		"last_update_time": row.LastUpdate.UTC().Format(time.RFC3339),
	}
	for _, a := range fam.AttrColumns {
		if v := row.Attrs[a.Name]; v.Valid {
			obj[a.Name] = v.String
		} else {
			obj[a.Name] = nil
		}
	}
	for _, m := range fam.MetricColumns {
		if v := row.Metrics[m]; v.Valid {
			obj[m] = v.Decimal
		} else {
			obj[m] = nil
		}
	}
	return obj
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Error("template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.log.Error("rendering template", zap.String("template", name), zap.Error(err))
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(st store.Store, port int, log *zap.Logger) error {
	srv, err := New(st, log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Info("server listening", zap.String("addr", "http://"+addr))
	return http.ListenAndServe(addr, srv.Handler())
}
