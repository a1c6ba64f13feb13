// Package server exposes read-only HTTP diagnostics for the scanner.
// Commands are only accepted through the broker; nothing here changes state.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/imgrec"
	"github.com/kybfarm/hsi/server/middleware/locker"
)

// StatusSource knows the last payload published on each status topic
type StatusSource interface {
	Last() map[string]json.RawMessage
}

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", filePath)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(fldr)+"_"+fn))
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}

// encode writes v as JSON
func encode(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// LatestScan returns the most recently modified scan folder under root that
// holds a cube
func LatestScan(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	var (
		best string
		mod  int64
	)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "scan_") {
			continue
		}
		fldr := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(fldr, imgrec.CubeFile)); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if m := info.ModTime().UnixNano(); best == "" || m > mod {
			best, mod = fldr, m
		}
	}
	if best == "" {
		return "", os.ErrNotExist
	}
	return best, nil
}

// Server holds what the diagnostic routes read
type Server struct {
	Status StatusSource
	Store  *config.Store
	Lane   *locker.Locker
}

// New returns a router with the diagnostic routes bound
func New(status StatusSource, store *config.Store, lane *locker.Locker) chi.Router {
	s := &Server{Status: status, Store: store, Lane: lane}
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	s.BindRoutes(r)
	return r
}

// BindRoutes binds the routes on r, including /endpoints which lists them
func (s *Server) BindRoutes(r chi.Router) {
	r.Get("/status", s.HTTPStatus)
	r.Get("/config", s.HTTPConfig)
	locker.Inject(r, s.Lane)
	// a scan in progress may be writing the newest cube
	r.With(s.Lane.Check).Get("/scans/latest/cube", s.HTTPLatestCube)
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		encode(w, ListRoutes(r))
	})
}

// ListRoutes returns "METHOD /path" for every route of r, sorted
func ListRoutes(r chi.Routes) []string {
	var routes []string
	chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	sort.Strings(routes)
	return routes
}

// HTTPStatus returns the last payload of every status topic
func (s *Server) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	encode(w, s.Status.Last())
}

// HTTPConfig returns the configuration document as currently stored,
// defaults filled in.  Sections merged in by config_request that the
// scanner does not use are included.
func (s *Server) HTTPConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Store.Raw()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	encode(w, doc)
}

// HTTPLatestCube serves the cube of the newest scan
func (s *Server) HTTPLatestCube(w http.ResponseWriter, r *http.Request) {
	c, err := s.Store.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fldr, err := LatestScan(c.Storage.Root)
	if err != nil {
		http.Error(w, "no scan with a cube under "+c.Storage.Root, http.StatusNotFound)
		return
	}
	ReplyWithFile(w, r, imgrec.CubeFile, fldr)
}
