package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/pkg/apperr"
	"formdesk/pkg/logger"
	"formdesk/pkg/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
	maxMessageSize    = 64 * 1024
	handleTimeout  = 5 * time.Second
)

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	DocID    string
	UserID   string
	CanWrite bool
	// Send carries messages for this client only, such as the presence
	// snapshot and error replies.
	Send chan []byte

	sub      *Subscription
	limiter  *rate.Limiter
	lastBeat time.Time
}

// ServeWs authorizes userID on the docId in the query, upgrades the
// connection and starts the client's pumps. Writers get an edit session on
// connect; readers only watch.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}
	if err := hub.gate.Authorize(r.Context(), userID, docID, access.CapRead); err != nil {
		logger.Sugar.Warnf("Connection rejected for %s on doc %s: %v", userID, docID, err)
		writeHTTPError(w, err)
		return
	}
	canWrite := hub.gate.Authorize(r.Context(), userID, docID, access.CapWrite) == nil

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:      hub,
		Conn:     conn,
		DocID:    docID,
		UserID:   userID,
		CanWrite: canWrite,
		Send:     make(chan []byte, 256),
		limiter:  hub.newLimiter(),
	}
	// Subscribe before the snapshot so nothing published in between is lost.
	hub.register(client)

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	if canWrite {
		if _, err := hub.sessions.StartSession(ctx, docID, userID, model.CursorUpdate{}); err != nil {
			logger.Sugar.Errorf("Failed to start session for %s on doc %s: %v", userID, docID, err)
		}
	}
	if err := hub.sendSnapshot(ctx, client); err != nil {
		logger.Sugar.Errorf("Failed to send presence snapshot to %s: %v", userID, err)
	}
	cancel()

	go client.writePump()
	go client.readPump()
}

// deliver queues a message for this client only. A full buffer drops it.
func (c *Client) deliver(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s message: %v", ev.Type, err)
		return
	}
	select {
	case c.Send <- raw:
	default:
		logger.Sugar.Warnf("Client %s's send buffer is full, dropped %s", c.UserID, ev.Type)
	}
}

func (c *Client) sendError(err error) {
	ev, buildErr := NewEvent(ErrorType, c.DocID, "", model.ErrorResponse{
		Kind:    string(apperr.KindOf(err)),
		Message: apperr.MessageOf(err),
	})
	if buildErr != nil {
		return
	}
	c.deliver(ev)
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	pongWait := c.Hub.pongWait()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.pongHeartbeat()
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			metrics.RateLimitRejected.WithLabelValues("realtime").Inc()
			c.sendError(apperr.Busy("too many realtime messages, slow down"))
			continue
		}

		var msg Event
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			c.sendError(apperr.Validation("malformed message"))
			continue
		}
		// Server-authoritative identity.
		msg.DocID = c.DocID
		msg.ActorID = c.UserID

		if err := c.handle(msg); err != nil {
			c.sendError(err)
		}
	}
}

// pongHeartbeat keeps a quiet writer's session alive while its socket is.
// Pongs arrive about once per ping period; closer ones are ignored.
func (c *Client) pongHeartbeat() {
	if !c.CanWrite {
		return
	}
	now := time.Now()
	if !c.lastBeat.IsZero() && now.Sub(c.lastBeat) < c.Hub.opts.PingPeriod/2 {
		return
	}
	c.lastBeat = now

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := c.Hub.sessions.Heartbeat(ctx, c.DocID, c.UserID); err != nil {
		logger.Sugar.Warnf("Heartbeat on pong failed for %s on doc %s: %v", c.UserID, c.DocID, err)
	}
}

// handle routes one inbound message to the session registry or, for
// previews, straight onto the document's group.
func (c *Client) handle(msg Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	reg := c.Hub.sessions

	switch msg.Type {
	case FieldFocusType, CursorMoveType:
		var upd model.CursorUpdate
		if err := decodePayload(msg.Payload, &upd); err != nil {
			return err
		}
		var err error
		if msg.Type == FieldFocusType {
			_, err = reg.FocusField(ctx, c.DocID, c.UserID, upd)
		} else {
			_, err = reg.MoveCursor(ctx, c.DocID, c.UserID, upd)
		}
		return err
	case FieldBlurType:
		return reg.BlurField(ctx, c.DocID, c.UserID)
	case HeartbeatType:
		return reg.Heartbeat(ctx, c.DocID, c.UserID)
	case FieldPreviewType:
		if !c.CanWrite {
			return apperr.PermissionDenied("write access to document %s denied", c.DocID)
		}
		var preview FieldPreviewPayload
		if err := decodePayload(msg.Payload, &preview); err != nil {
			return err
		}
		if preview.Field == "" {
			return apperr.Validation("field is required")
		}
		ev, err := NewEvent(FieldPreviewType, c.DocID, c.UserID, preview)
		if err != nil {
			return err
		}
		if err := c.Hub.publisher.Publish(ctx, ev); err != nil {
			logger.Sugar.Warnf("Failed to relay preview for doc %s: %v", c.DocID, err)
		}
		return reg.Heartbeat(ctx, c.DocID, c.UserID)
	default:
		return apperr.Validation("unsupported message type %q", msg.Type)
	}
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperr.Validation("malformed payload: %v", err)
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.Hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	// The presence snapshot is queued before the pumps start and must go
	// out ahead of any group event.
	select {
	case message := <-c.Send:
		c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	default:
	}

	for {
		select {
		case ev, ok := <-c.sub.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// No echo of the client's own actions.
			if ev.ActorID == c.UserID || ev.Type == HeartbeatType {
				continue
			}
			if err := c.Conn.WriteJSON(ev); err != nil {
				return
			}
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
