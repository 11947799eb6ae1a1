package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/mirrorctl/cratemirror/internal/crate"
)

// sparseConfig is the config.json served to sparse registry clients.
type sparseConfig struct {
	DL  string  `json:"dl"`
	API *string `json:"api"`
}

// Server serves a mirror read-only over HTTP as a sparse registry:
//
//	GET /index/config.json      registry configuration
//	GET /index/<prefix>/<name>  index file
//	GET /<name>-<version>.crate archive
//
// Nothing outside the index tree and the archive files is reachable.
// With a Proxy, index files come from upstream and missing archives are
// fetched into the mirror on first request.
type Server struct {
	store   *Store
	baseURL string
	proxy   *Proxy
	router  *mux.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithProxy makes the server fall back to p.
func WithProxy(p *Proxy) ServerOption {
	return func(s *Server) {
		s.proxy = p
	}
}

// NewServer creates a Server. baseURL is the externally visible URL of
// the server; when empty it is derived from each request.
func NewServer(store *Store, baseURL string, opts ...ServerOption) *Server {
	s := &Server{
		store:   store,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(logRequest)
	get := s.router.Methods(http.MethodGet, http.MethodHead).Subrouter()
	get.HandleFunc("/index/config.json", s.handleConfig)
	get.HandleFunc("/index/{path:.+}", s.handleIndex)
	get.HandleFunc("/{file:[^/]+\\.crate}", s.handleArchive)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) base(r *http.Request) string {
	if s.baseURL != "" {
		return s.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(sparseConfig{DL: s.base(r) + "/" + markerDL})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag(xxhash.Sum64(body)))
	if match := r.Header.Get("If-None-Match"); match != "" && match == w.Header().Get("ETag") {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(body)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rel := mux.Vars(r)["path"]
	name := path.Base(rel)
	if !crate.ValidName(name) || crate.IndexRelPath(name) != strings.ToLower(rel) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.proxy == nil {
		s.serveFile(w, r, s.store.IndexPath(name))
		return
	}

	content, err := s.proxy.Index(r.Context(), name)
	if err != nil {
		proxyError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(xxhash.Sum64(content)))
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(content))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	file := mux.Vars(r)["file"]
	name, version, ok := crate.ParseArchiveFilename(file)
	if !ok || !crate.ValidName(name) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")

	p := filepath.Join(s.store.Dir(), file)
	if s.proxy != nil {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			p, err = s.proxy.Archive(r.Context(), name, version)
			if err != nil {
				proxyError(w, r, err)
				return
			}
		}
	}
	s.serveFile(w, r, p)
}

// proxyError answers a request the proxy could not serve.
func proxyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, ErrLocked):
		http.Error(w, "mirror is busy", http.StatusServiceUnavailable)
	default:
		slog.Error("proxy failed", "path", r.URL.Path, "category", Category(err), "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
	}
}

// serveFile serves p with an ETag derived from its content.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	f, err := os.Open(p) // #nosec G304 - p is built from a validated name
	if os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		slog.Error("failed to open file", "path", p, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		slog.Error("failed to read file", "path", p, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// ServeContent answers If-None-Match from this header.
	w.Header().Set("ETag", etag(h.Sum64()))
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func etag(sum uint64) string {
	return fmt.Sprintf(`"%016x"`, sum)
}
