package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/roach88/postpulse/internal/broadcast"
	"github.com/roach88/postpulse/internal/detector"
)

var upgrader = websocket.Upgrader{
	// Tokens, not cookies, authenticate the socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream serves a text event stream until the client goes away or the
// broadcaster drops the subscription.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	tr := newSSETransport(w, s.writeTimeout)
	defer tr.close()

	sub, err := s.broadcaster.Register(r.Context(), user.ID, tr)
	if err != nil {
		s.logger.Warn("stream registration failed", "user_id", user.ID, "error", err)
		return
	}
	defer s.broadcaster.Unregister(sub.ID)

	select {
	case <-r.Context().Done():
	case <-sub.Done():
	}
}

// maxClientMessage caps inbound websocket messages. Clients only send
// small wsMessage requests.
const maxClientMessage = 4 << 10

// wsMessage is a client request on the websocket.
type wsMessage struct {
	Action  string `json:"action"` // subscribe or unsubscribe
	Channel string `json:"channel"`
}

// handleWebSocket serves the same frames as handleStream over a websocket.
// Clients may send wsMessage requests to change their channel set.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxClientMessage)
	tr := &wsTransport{conn: conn, timeout: s.writeTimeout}
	defer tr.close()

	sub, err := s.broadcaster.Register(r.Context(), user.ID, tr)
	if err != nil {
		s.logger.Warn("websocket registration failed", "user_id", user.ID, "error", err)
		return
	}
	defer s.broadcaster.Unregister(sub.ID)

	// Unblock the read loop when the subscription ends from our side.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-sub.Done():
			tr.close()
		case <-r.Context().Done():
			tr.close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed websocket message", "connection_id", sub.ID)
			continue
		}
		switch msg.Action {
		case "subscribe":
			_, err = s.broadcaster.Subscribe(r.Context(), user.ID, sub.ID, msg.Channel)
		case "unsubscribe":
			_, err = s.broadcaster.Unsubscribe(user.ID, sub.ID, msg.Channel)
		default:
			continue
		}
		if err != nil {
			s.logger.Debug("websocket channel request denied",
				"connection_id", sub.ID,
				"channel", msg.Channel,
				"error", err,
			)
		}
	}
}

// channelRequest is the body of subscribe and unsubscribe.
type channelRequest struct {
	ConnectionID string `json:"connectionId"`
	Channel      string `json:"channel"`
}

type channelResponse struct {
	ConnectionID string   `json:"connectionId"`
	Channel      string   `json:"channel"`
	Channels     []string `json:"channels"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeChannel(w, r, true)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeChannel(w, r, false)
}

func (s *Server) changeChannel(w http.ResponseWriter, r *http.Request, subscribe bool) {
	user := userFrom(r.Context())

	var req channelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body")
		return
	}

	var err error
	if subscribe {
		_, err = s.broadcaster.Subscribe(r.Context(), user.ID, req.ConnectionID, req.Channel)
	} else {
		_, err = s.broadcaster.Unsubscribe(user.ID, req.ConnectionID, req.Channel)
	}
	switch {
	case errors.Is(err, broadcast.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid channel")
		return
	case errors.Is(err, broadcast.ErrUnknownConnection):
		writeError(w, http.StatusNotFound, codeNotFound, "Connection not found")
		return
	case errors.Is(err, broadcast.ErrUnauthorized):
		writeError(w, http.StatusForbidden, codeForbidden, "Access denied")
		return
	case err != nil:
		s.writeInternal(w, r, err)
		return
	}

	channels, err := s.broadcaster.Channels(req.ConnectionID)
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Connection not found")
		return
	}
	writeJSON(w, http.StatusOK, channelResponse{
		ConnectionID: req.ConnectionID,
		Channel:      req.Channel,
		Channels:     channels,
	})
}

type statsResponse struct {
	Detector    *detector.Stats `json:"detector,omitempty"`
	Broadcaster broadcast.Stats `json:"broadcaster"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Broadcaster: s.broadcaster.Stats()}
	if s.detector != nil {
		ds := s.detector.Stats()
		resp.Detector = &ds
	}
	writeJSON(w, http.StatusOK, resp)
}
