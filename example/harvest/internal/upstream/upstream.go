package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// molecule is one record in the demo catalog.
type molecule struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

var catalog = []molecule{
	{ID: "CHEM001", Name: "aspirin", Weight: 180.16},
	{ID: "CHEM002", Name: "caffeine", Weight: 194.19},
	{ID: "CHEM003", Name: "ibuprofen", Weight: 206.29},
	{ID: "CHEM004", Name: "paracetamol", Weight: 151.16},
	{ID: "CHEM005", Name: "naproxen", Weight: 230.26},
	{ID: "CHEM006", Name: "ranitidine", Weight: 314.40},
	{ID: "CHEM007", Name: "omeprazole", Weight: 345.42},
	{ID: "CHEM008", Name: "metformin", Weight: 129.16},
	{ID: "CHEM009", Name: "atorvastatin", Weight: 558.64},
}

// changePage is one page of the demo change feed.
type changePage struct {
	Items []any
	Next  string
	More  bool
}

var changeFeed = map[string]changePage{
	"":   {Items: []any{"CHEM002 relabeled", "CHEM005 classification updated"}, Next: "c2", More: true},
	"c2": {Items: []any{"CHEM007 retired"}, Next: "c3", More: true},
	"c3": {Items: []any{"CHEM009 added"}, Next: "", More: false},
}

// Server is a tiny in-process catalog API with deliberate hiccups: every
// seventh call fails with a 500 and every eleventh is rate limited, so the
// client's retry and limiter behavior shows up in the metrics. Property
// lookups come back one record short the first time an identifier set is
// seen, which gives the partial requeue pass something to repair.
type Server struct {
	srv *http.Server

	mu    sync.Mutex
	calls int
	seen  map[string]bool
}

// Start serves the demo catalog on addr in a background goroutine.
func Start(addr string) *Server {
	s := &Server{seen: make(map[string]bool)}

	r := chi.NewRouter()
	r.Get("/api/molecules", s.listMolecules)
	r.Get("/api/molecules/{id}", s.getMolecule)
	r.Get("/api/changes", s.listChanges)
	r.Get("/api/properties", s.listProperties)

	s.srv = &http.Server{Addr: addr, Handler: r}
	go s.srv.ListenAndServe()
	return s
}

// Close stops the demo server.
func (s *Server) Close() error {
	return s.srv.Close()
}

// hiccup injects the failure pattern. It reports true when it already wrote
// a response.
func (s *Server) hiccup(w http.ResponseWriter) bool {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	switch {
	case n%11 == 0:
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		return true
	case n%7 == 0:
		http.Error(w, "upstream hiccup", http.StatusInternalServerError)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) listMolecules(w http.ResponseWriter, r *http.Request) {
	if s.hiccup(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = len(catalog)
	}

	items := []any{}
	if offset < len(catalog) {
		for _, m := range catalog[offset:min(offset+limit, len(catalog))] {
			items = append(items, m)
		}
	}
	writeJSON(w, map[string]any{
		"items":          items,
		"total":          len(catalog),
		"expected_count": len(items),
	})
}

func (s *Server) getMolecule(w http.ResponseWriter, r *http.Request) {
	if s.hiccup(w) {
		return
	}
	id := chi.URLParam(r, "id")
	for _, m := range catalog {
		if m.ID == id {
			writeJSON(w, m)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	if s.hiccup(w) {
		return
	}
	page, ok := changeFeed[r.URL.Query().Get("cursor")]
	if !ok {
		writeJSON(w, map[string]any{"items": []any{}, "has_more": false})
		return
	}
	writeJSON(w, map[string]any{
		"items":       page.Items,
		"next_cursor": page.Next,
		"has_more":    page.More,
	})
}

func (s *Server) listProperties(w http.ResponseWriter, r *http.Request) {
	if s.hiccup(w) {
		return
	}
	raw := r.URL.Query().Get("ids")

	items := make([]any, 0)
	for _, id := range strings.Split(raw, ",") {
		for _, m := range catalog {
			if m.ID == id {
				items = append(items, m)
			}
		}
	}
	expected := len(items)

	// The first response for an identifier set loses its tail record.
	s.mu.Lock()
	first := !s.seen[raw]
	s.seen[raw] = true
	s.mu.Unlock()
	if first && len(items) > 0 {
		items = items[:len(items)-1]
	}

	writeJSON(w, map[string]any{
		"items":          items,
		"expected_count": expected,
	})
}
