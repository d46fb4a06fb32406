package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/termshare/termshare/config"
	"github.com/termshare/termshare/multiplexer"
	"github.com/termshare/termshare/renderer/ptyrenderer"
	"github.com/termshare/termshare/session"
	"github.com/termshare/termshare/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server holds everything the HTTP handlers need: session bounds from
// config and the in-memory tunnel relay (the "supplemented feature"
// documented in SPEC_FULL.md §3 — the distilled spec describes the
// tunnel client's dial target but not the relay it dials).
type server struct {
	cfg   config.ServerConfig
	relay *relay
}

func newServer(cfg config.ServerConfig) *server {
	return &server{cfg: cfg, relay: newRelay()}
}

func (s *server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/multiplexer", s.handleDirectMultiplexer)
	r.HandleFunc("/_tunnel/upstream", s.handleTunnelUpstream)
	r.HandleFunc("/_tunnel/multiplexer", s.handleTunnelDownstream)
	r.HandleFunc("/s/{namespace}/{id}", s.handleSharePage)
	r.HandleFunc("/s/{id}", s.handleSharePage)
}

func (s *server) shutdown() {
	s.relay.closeAll()
}

// handleDirectMultiplexer serves the direct polarity (§6.4): one
// WebSocket carries one namespace, explicit id(s), and owns its own
// sessions (ptyrenderer-backed, lazy init discipline per DESIGN.md).
func (s *server) handleDirectMultiplexer(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	id := r.URL.Query().Get("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := transport.NewWSChannel(conn)

	var ids []string
	if id != "" {
		ids = []string{id}
	}

	factory := s.sessionFactory(r)
	mplex := multiplexer.NewServer(ch, namespace, ids, multiplexer.EagerOnFirstEnvelope, factory)
	if err := mplex.Run(r.Context()); err != nil {
		log.Debug().Err(err).Msg("multiplexer session ended")
	}
}

func (s *server) sessionFactory(r *http.Request) multiplexer.SessionFactory {
	cols := queryInt(r, "cols", s.cfg.Session.DefaultCols)
	rows := queryInt(r, "rows", s.cfg.Session.DefaultRows)

	return func(id string, send session.SendFunc) session.Config {
		return session.Config{
			ID:          id,
			InitialCols: cols,
			InitialRows: rows,
			MaxCols:     s.cfg.Session.MaxCols,
			MaxRows:     s.cfg.Session.MaxRows,
			FrameRate:   s.cfg.Session.FrameRate,
			Discipline:  session.Lazy,
			Factory:     ptyrenderer.New,
			Send:        send,
			Close:       func() {},
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// handleTunnelUpstream accepts a tunnelclient's dial: it becomes the
// sole producer for (namespace, id), per spec.md §4.5 admission control.
func (s *server) handleTunnelUpstream(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := transport.NewWSChannel(conn)

	if err := s.relay.bindUpstream(namespace, id, ch); err != nil {
		log.Warn().Str("namespace", namespace).Str("id", id).Err(err).Msg("rejecting duplicate upstream")
		_ = ch.CloseWithCode(4009, "Upstream already connected")
		return
	}
	defer s.relay.unbindUpstream(namespace, id)

	s.relay.pumpUpstream(r.Context(), namespace, id, ch)
}

// handleTunnelDownstream accepts a viewer subscribing to an id relayed
// from a tunnel upstream.
func (s *server) handleTunnelDownstream(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	id := r.URL.Query().Get("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := transport.NewWSChannel(conn)
	defer ch.Close()

	s.relay.addViewer(namespace, id, ch)
	defer s.relay.removeViewer(namespace, id, ch)

	s.relay.pumpViewer(r.Context(), namespace, id, ch)
}

func (s *server) handleSharePage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	namespace := vars["namespace"]
	id := vars["id"]

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, sharePageTemplate, namespace, id)
}

const sharePageTemplate = `<!DOCTYPE html>
<html>
<head><title>termshare</title></head>
<body>
<div id="terminal" data-namespace=%q data-id=%q></div>
<script src="/static/client.js"></script>
</body>
</html>
`
