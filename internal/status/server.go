// Package status serves the read-only operator HTTP surface: metrics,
// storage node records, directory listings and a lifecycle event stream.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/events"
	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
	"github.com/drftpd-ng/drftpd-sub005/internal/slave"
	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

// Source is what the server reports on.
type Source interface {
	Records() []slave.Record
	Registry() *vfs.Registry
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// Server is the status HTTP server.
type Server struct {
	src Source
}

// NewServer creates a status server for src.
func NewServer(src Source) *Server {
	return &Server{src: src}
}

// Entry is one row of a directory listing.
type Entry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	IsDir        bool      `json:"is_dir"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Mode         string    `json:"mode"`
	Owner        string    `json:"owner,omitempty"`
	Group        string    `json:"group,omitempty"`
	Slaves       []string  `json:"slaves,omitempty"`
	Available    bool      `json:"available"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /slaves", s.handleSlaves)
	mux.HandleFunc("GET /ls", s.handleList)
	mux.HandleFunc("GET /events", s.handleEvents)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	files, dirs := s.src.Registry().Count()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"slaves": s.src.Registry().Slaves(),
		"files":  files,
		"dirs":   dirs,
	})
}

func (s *Server) handleSlaves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Records())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "/"
	}

	reg := s.src.Registry()
	n, err := reg.Lookup(p)
	if errors.Is(err, vfs.ErrNotFound) {
		sendError(w, http.StatusNotFound, "path not found: "+p)
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !n.IsDir() {
		writeJSON(w, http.StatusOK, []Entry{entryFor(n)})
		return
	}

	children, err := reg.ListChildren(n)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]Entry, 0, len(children))
	for _, c := range children {
		out = append(out, entryFor(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func entryFor(n *vfs.Node) Entry {
	user, group := n.Owner()
	e := Entry{
		Name:         n.Name(),
		Path:         n.Path(),
		IsDir:        n.IsDir(),
		Size:         n.Length(),
		LastModified: n.LastModified(),
		Mode:         n.Mode().String(),
		Owner:        user,
		Group:        group,
	}
	if !n.IsDir() {
		e.Slaves = n.Slaves()
		e.Available = n.Available()
	}
	return e
}

// handleEvents streams lifecycle events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.src.Subscribe()
	defer s.src.Unsubscribe(ch)

	fmt.Fprintf(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		logging.Debug("event stream not flushable", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(ev)
			if err != nil {
				logging.Warn("marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("write response", zap.Error(err))
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}
