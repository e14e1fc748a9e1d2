package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/you/mention-tracker/internal/suggest"
)

type options struct {
	Addr      string `long:"addr" default:":8000" description:"HTTP listen address"`
	Prefix    string `long:"prefix" default:"/api" description:"Path prefix the tracker's API base points at"`
	FailEvery int    `long:"fail-every" description:"Answer every Nth submission with HTTP 500 (0 = never)"`
}

type contribution struct {
	Type     string `json:"type"`
	Level    int    `json:"level"`
	Username string `json:"username"`
	Comment  string `json:"comment"`
	URL      string `json:"url"`
	Platform string `json:"platform"`
}

type record struct {
	ID         int          `json:"id"`
	ReceivedAt time.Time    `json:"received_at"`
	Body       contribution `json:"contribution"`
}

// backend is an in-memory stand-in for the rewards service.
type backend struct {
	mu        sync.Mutex
	items     []record
	calls     int
	failEvery int
	now       func() time.Time
}

func newBackend(failEvery int) *backend {
	return &backend{failEvery: failEvery, now: time.Now}
}

func (b *backend) routes(prefix string) *http.ServeMux {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/addcontribution", b.handleAdd)
	mux.HandleFunc("GET "+prefix+"/contributions", b.handleList)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (b *backend) handleAdd(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req contribution
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validate(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.calls++
	if b.failEvery > 0 && b.calls%b.failEvery == 0 {
		b.mu.Unlock()
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	rec := record{ID: len(b.items) + 1, ReceivedAt: b.now().UTC(), Body: req}
	b.items = append(b.items, rec)
	b.mu.Unlock()

	log.Printf("devapi: contribution #%d %s level=%d user=%s url=%s", rec.ID, req.Type, req.Level, req.Username, req.URL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": rec.ID})
}

func (b *backend) handleList(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	list := append([]record{}, b.items...)
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func validate(c contribution) error {
	var missing []string
	if c.Type == "" {
		missing = append(missing, "type")
	}
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.URL == "" {
		missing = append(missing, "url")
	}
	if c.Platform == "" {
		missing = append(missing, "platform")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	if c.Level < suggest.DefaultLevel || c.Level > suggest.MaxLevel {
		return fmt.Errorf("level must be between %d and %d", suggest.DefaultLevel, suggest.MaxLevel)
	}
	if !strings.Contains(c.Username, ":") {
		return fmt.Errorf("username must carry a platform prefix")
	}
	return nil
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	b := newBackend(opts.FailEvery)
	log.Printf("devapi listening on %s (prefix=%s fail_every=%d)", opts.Addr, opts.Prefix, opts.FailEvery)
	if err := http.ListenAndServe(opts.Addr, b.routes(opts.Prefix)); err != nil {
		log.Fatal(err)
	}
}
