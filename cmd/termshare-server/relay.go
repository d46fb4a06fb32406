package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/termshare/termshare/transport"
	"github.com/termshare/termshare/wire"
)

// relay fans a single tunnel upstream's frames out to any number of
// downstream viewers, and funnels viewer input back to that one
// upstream. It is the "relay" a tunnelclient dials (spec.md §4.6) —
// not one of C1-C7, but the supplemented piece that makes C6 and C7
// actually connect to something end to end, per SPEC_FULL.md §3.
type relay struct {
	mu      sync.Mutex
	streams map[string]*relayStream
}

type relayStream struct {
	upstream transport.Channel
	viewers  map[transport.Channel]bool
}

func newRelay() *relay {
	return &relay{streams: make(map[string]*relayStream)}
}

func streamKey(namespace, id string) string {
	return namespace + "\x00" + id
}

func (r *relay) bindUpstream(namespace, id string, ch transport.Channel) error {
	r.mu.Lock()
	key := streamKey(namespace, id)
	st, ok := r.streams[key]
	if ok && st.upstream != nil {
		r.mu.Unlock()
		return fmt.Errorf("%s", wire.ErrUpstreamAlreadyConnected)
	}
	if !ok {
		st = &relayStream{viewers: make(map[transport.Channel]bool)}
		r.streams[key] = st
	}
	st.upstream = ch
	viewers := viewerList(st)
	r.mu.Unlock()

	writeLifecycle(viewers, id, wire.UpstreamDiscovered)
	writeLifecycle(viewers, id, wire.UpstreamConnected)
	return nil
}

func (r *relay) unbindUpstream(namespace, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := streamKey(namespace, id)
	if st, ok := r.streams[key]; ok {
		st.upstream = nil
		writeLifecycle(viewerList(st), id, wire.UpstreamClosed)
		for v := range st.viewers {
			_ = v.Close()
		}
		if len(st.viewers) == 0 {
			delete(r.streams, key)
		}
	}
}

// addViewer registers ch as a viewer of (namespace, id). If an upstream
// is already bound, the viewer gets a catch-up discovered/connected
// pair so it doesn't have to have been watching at bind time to learn
// the stream is live.
func (r *relay) addViewer(namespace, id string, ch transport.Channel) {
	r.mu.Lock()
	key := streamKey(namespace, id)
	st, ok := r.streams[key]
	if !ok {
		st = &relayStream{viewers: make(map[transport.Channel]bool)}
		r.streams[key] = st
	}
	st.viewers[ch] = true
	bound := st.upstream != nil
	r.mu.Unlock()

	if bound {
		writeLifecycle([]transport.Channel{ch}, id, wire.UpstreamDiscovered)
		writeLifecycle([]transport.Channel{ch}, id, wire.UpstreamConnected)
	}
}

func (r *relay) removeViewer(namespace, id string, ch transport.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := streamKey(namespace, id)
	if st, ok := r.streams[key]; ok {
		delete(st.viewers, ch)
		if st.upstream == nil && len(st.viewers) == 0 {
			delete(r.streams, key)
		}
	}
}

// pumpUpstream reads frame envelopes from the upstream and broadcasts
// each to every current viewer of (namespace, id). An abnormal close
// is reported to viewers as an upstream_error event before the caller's
// deferred unbindUpstream follows up with upstream_closed.
func (r *relay) pumpUpstream(ctx context.Context, namespace, id string, ch transport.Channel) {
	for {
		data, err := ch.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.broadcastError(namespace, id, err)
			}
			return
		}
		r.broadcast(namespace, id, data)
	}
}

func (r *relay) viewersOf(namespace, id string) []transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[streamKey(namespace, id)]
	if !ok {
		return nil
	}
	return viewerList(st)
}

func (r *relay) broadcast(namespace, id string, data []byte) {
	for _, v := range r.viewersOf(namespace, id) {
		if err := v.WriteMessage(data); err != nil {
			log.Debug().Err(err).Msg("viewer write failed")
		}
	}
}

func (r *relay) broadcastError(namespace, id string, cause error) {
	viewers := r.viewersOf(namespace, id)
	if len(viewers) == 0 {
		return
	}
	data, err := json.Marshal(wire.ErrorEnvelope(id, "upstream_read_error", cause.Error()))
	if err != nil {
		log.Error().Err(err).Msg("encode error envelope")
		return
	}
	for _, v := range viewers {
		if err := v.WriteMessage(data); err != nil {
			log.Debug().Err(err).Msg("viewer error write failed")
		}
	}
}

// viewerList snapshots a stream's current viewers under the caller's
// held lock.
func viewerList(st *relayStream) []transport.Channel {
	viewers := make([]transport.Channel, 0, len(st.viewers))
	for v := range st.viewers {
		viewers = append(viewers, v)
	}
	return viewers
}

// writeLifecycle marshals a lifecycle envelope once and writes it to
// every viewer in the snapshot, matching broadcast's
// snapshot-then-unlock-then-write pattern.
func writeLifecycle(viewers []transport.Channel, id string, event wire.UpstreamEvent) {
	if len(viewers) == 0 {
		return
	}
	data, err := json.Marshal(wire.LifecycleEnvelope(id, event))
	if err != nil {
		log.Error().Err(err).Msg("encode lifecycle envelope")
		return
	}
	for _, v := range viewers {
		if err := v.WriteMessage(data); err != nil {
			log.Debug().Err(err).Msg("viewer lifecycle write failed")
		}
	}
}

// pumpViewer reads client-message envelopes from one viewer and
// forwards each to the namespace/id's bound upstream, if any.
func (r *relay) pumpViewer(ctx context.Context, namespace, id string, ch transport.Channel) {
	for {
		data, err := ch.ReadMessage()
		if err != nil {
			return
		}

		r.mu.Lock()
		st, ok := r.streams[streamKey(namespace, id)]
		var upstream transport.Channel
		if ok {
			upstream = st.upstream
		}
		r.mu.Unlock()

		if upstream == nil {
			continue
		}
		if err := upstream.WriteMessage(data); err != nil {
			log.Debug().Err(err).Msg("upstream write failed")
		}
	}
}

func (r *relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.streams {
		if st.upstream != nil {
			_ = st.upstream.Close()
		}
		for v := range st.viewers {
			_ = v.Close()
		}
	}
	r.streams = make(map[string]*relayStream)
}
