// ws.go implements the /pipeline WebSocket namespace (spec §6): clients
// subscribe to one model's topology-change stream and receive JSON frames
// for pipeline:topology, pipeline:nodeStatus, pipeline:nodeJoined, and
// pipeline:nodeLeft events, fanned out from internal/pubsub.Bus.
//
// Grounded on the teacher's go.mod indirect gorilla/websocket dependency;
// spec §9 treats the framework choice as opaque ("source uses a WebSocket
// framework; the core contract is a typed, multi-subscriber channel per
// model plus JSON encoding at the edge"), so this is a thin JSON-over-frame
// adapter in front of internal/pubsub.Bus rather than a bespoke protocol.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"inference-oracle/internal/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// handleWebSocket upgrades GET /pipeline?model=... and streams that model's
// topology events until the client disconnects or the server shuts down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, errBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("api: websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(model)
	defer unsub()

	// Send the current topology immediately so a newly-connected client
	// doesn't wait for the next mutation to learn the current state.
	if s.pipeline != nil {
		initial := pubsub.Event{
			Type:      pubsub.EventTopology,
			Model:     model,
			Payload:   s.pipeline.Topology(model),
			Timestamp: time.Now().Unix(),
		}
		if err := s.writeEvent(conn, initial); err != nil {
			return
		}
	}

	// Drain and discard inbound client frames (pings/close) on a separate
	// goroutine so a blocked Read never stalls outbound event delivery;
	// its exit signals disconnection to the main send loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev pubsub.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
