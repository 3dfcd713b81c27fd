package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

type logDoc struct {
	ID        string
	Timestamp time.Time
	Source    map[string]any
}

var templates = []struct {
	service  string
	level    string
	message  string
	interval time.Duration
}{
	{service: "payments", level: "error", message: "connection refused to db-primary:5432 (pool exhausted, 50/50 in use)", interval: 2 * time.Minute},
	{service: "checkout", level: "error", message: "timeout after 3000 ms calling payments /v1/charge", interval: 3 * time.Minute},
	{service: "inventory", level: "critical", message: "OutOfMemoryError: Java heap space", interval: 45 * time.Minute},
	{service: "gateway", level: "error", message: "HTTP 503 from checkout upstream", interval: 4 * time.Minute},
	{service: "auth", level: "error", message: "401 Unauthorized: token expired for client web-frontend", interval: 20 * time.Minute},
}

// generate builds a deterministic corpus for the trailing day, newest first.
func generate(now time.Time) []logDoc {
	var docs []logDoc
	start := now.Add(-24 * time.Hour)
	for i, tpl := range templates {
		n := 0
		for ts := start.Add(time.Duration(i) * time.Second); ts.Before(now); ts = ts.Add(tpl.interval) {
			n++
			docs = append(docs, logDoc{
				ID:        fmt.Sprintf("%s-%05d", tpl.service, n),
				Timestamp: ts,
				Source: map[string]any{
					"@timestamp": ts.UTC().Format(time.RFC3339Nano),
					"message":    tpl.message,
					"log":        map[string]any{"level": tpl.level},
					"service":    map[string]any{"name": tpl.service, "environment": "localdev"},
					"trace":      map[string]any{"id": fmt.Sprintf("trace-%s-%d", tpl.service, n)},
				},
			})
		}
	}
	sortDocs(docs)
	return docs
}

func sortDocs(docs []logDoc) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && less(docs[j], docs[j-1]); j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}

func less(a, b logDoc) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID < b.ID
}

type searchBody struct {
	Size        int   `json:"size"`
	SearchAfter []any `json:"search_after"`
	Query       struct {
		Bool struct {
			Must []map[string]map[string]json.RawMessage `json:"must"`
		} `json:"bool"`
	} `json:"query"`
}

type rangeClause struct {
	GTE string `json:"gte"`
	LTE string `json:"lte"`
}

func search(docs []logDoc, body searchBody) []map[string]any {
	var from, to time.Time
	for _, clause := range body.Query.Bool.Must {
		for _, raw := range clause["range"] {
			var r rangeClause
			if json.Unmarshal(raw, &r) == nil {
				from, _ = time.Parse(time.RFC3339Nano, r.GTE)
				to, _ = time.Parse(time.RFC3339Nano, r.LTE)
			}
		}
	}

	afterID := ""
	if len(body.SearchAfter) == 2 {
		afterID, _ = body.SearchAfter[1].(string)
	}
	size := body.Size
	if size <= 0 {
		size = 10
	}

	hits := make([]map[string]any, 0, size)
	skipping := afterID != ""
	for _, d := range docs {
		if skipping {
			if d.ID == afterID {
				skipping = false
			}
			continue
		}
		if (!from.IsZero() && d.Timestamp.Before(from)) || (!to.IsZero() && d.Timestamp.After(to)) {
			continue
		}
		hits = append(hits, map[string]any{
			"_id":     d.ID,
			"_source": d.Source,
			"sort":    []any{d.Timestamp.UnixMilli(), d.ID},
		})
		if len(hits) == size {
			break
		}
	}
	return hits
}

func main() {
	addr := flag.String("addr", ":9200", "Listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	docs := generate(time.Now())
	logger.Info("synthetic corpus generated", slog.Int("documents", len(docs)))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			writeJSON(w, http.StatusOK, map[string]any{
				"name":    "mock-search",
				"version": map[string]any{"number": "2.11.0", "distribution": "opensearch"},
			})
		case strings.HasSuffix(r.URL.Path, "/_search"):
			var body searchBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"type": "parse_exception", "reason": err.Error()}})
				return
			}
			hits := search(docs, body)
			logger.Info("search", slog.String("path", r.URL.Path), slog.Int("hits", len(hits)))
			writeJSON(w, http.StatusOK, map[string]any{"hits": map[string]any{"hits": hits}})
		case strings.HasSuffix(r.URL.Path, "/_bulk") || strings.Contains(r.URL.Path, "/_doc/"):
			writeJSON(w, http.StatusOK, map[string]any{"errors": false, "result": "created"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		}
	})

	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("mock search listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
