package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/chat"
	"roamlist/api/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	opTimeout      = 15 * time.Second
	replyQueueSize = 16
)

// Client frame types.
const (
	FrameJoin        = "join"
	FrameTypingStart = "typingStart"
	FrameTypingStop  = "typingStop"
	FrameSendMessage = "sendMessage"
	FrameSendVoice   = "sendVoice"
	FrameMarkRead    = "markRead"
)

// Server-only frame types; room events use their realtime.EventType.
const (
	FrameJoined = "joined"
	FrameAck    = "ack"
	FrameError  = "error"
)

type ClientFrame struct {
	Type       string   `json:"type"`
	GroupID    string   `json:"groupId,omitempty"`
	Text       string   `json:"text,omitempty"`
	URL        string   `json:"url,omitempty"`
	ClientID   string   `json:"clientId,omitempty"`
	ReplyTo    string   `json:"replyTo,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

type ServerFrame struct {
	Type      string          `json:"type"`
	GroupID   string          `json:"groupId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// WSHandler upgrades authenticated requests to a chat socket. The bearer token comes from
// the Authorization header or the token query parameter; without a valid one the
// handshake is refused with 401.
type WSHandler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewWSHandler(manager *Manager, allowedOrigin string, log *logger.Logger) *WSHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &WSHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		log: log.With("component", "ws"),
	}
}

func handshakeToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := h.manager.Open(handshakeToken(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": apperr.Code(err), "error": "Unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "error", err)
		sess.Close()
		return
	}

	c := &wsConn{
		conn:    conn,
		sess:    sess,
		log:     h.log.With("connId", sess.ID, "userId", sess.UserID),
		replies: make(chan ServerFrame, replyQueueSize),
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	c.readLoop()
	sess.Close()
	<-writerDone
	_ = conn.Close()
}

type wsConn struct {
	conn    *websocket.Conn
	sess    *Session
	log     *logger.Logger
	replies chan ServerFrame
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("socket read failed", "error", err)
			}
			return
		}
		c.dispatch(frame)
		if c.sess.State() == StateClosed {
			return
		}
	}
}

func (c *wsConn) dispatch(frame ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case FrameJoin:
		if err = c.sess.Join(ctx, frame.GroupID); err == nil {
			c.reply(ServerFrame{Type: FrameJoined, GroupID: frame.GroupID})
		}
	case FrameTypingStart:
		err = c.sess.TypingStart(ctx)
	case FrameTypingStop:
		err = c.sess.TypingStop(ctx)
	case FrameSendMessage:
		msg, sendErr := c.sess.SendMessage(ctx, frame.Text, frame.ClientID, frame.ReplyTo)
		if err = sendErr; err == nil {
			c.reply(ServerFrame{Type: FrameAck, GroupID: msg.GroupID, MessageID: msg.ID, ClientID: msg.ClientID})
		}
	case FrameSendVoice:
		msg, sendErr := c.sess.SendVoice(ctx, frame.URL, frame.ClientID)
		if err = sendErr; err == nil {
			c.reply(ServerFrame{Type: FrameAck, GroupID: msg.GroupID, MessageID: msg.ID, ClientID: msg.ClientID})
		}
	case FrameMarkRead:
		_, err = c.sess.MarkRead(ctx, frame.MessageIDs)
	default:
		err = apperr.InvalidArgument("unknown frame type %q", frame.Type)
	}
	if err != nil {
		c.reply(c.errorFrame(frame, err))
	}
}

// errorFrame reports classified failures as they are; anything else is logged and
// surfaces as a generic server error.
func (c *wsConn) errorFrame(frame ClientFrame, err error) ServerFrame {
	out := ServerFrame{Type: FrameError}
	if len(frame.ClientID) <= chat.MaxClientIDLen {
		out.ClientID = frame.ClientID
	}
	if apperr.KindOf(err) == nil {
		c.log.Error("socket operation failed", "type", frame.Type, "groupId", c.sess.GroupID(), "error", err)
		out.Code, out.Error = "SERVER_ERROR", "Server error"
		return out
	}
	out.Code, out.Error = apperr.Code(err), apperr.Message(err)
	return out
}

func (c *wsConn) reply(frame ServerFrame) {
	select {
	case c.replies <- frame:
	case <-c.sess.Done():
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.sess.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.replies:
			if !c.write(frame) {
				return
			}
		case ev := <-c.sess.Events():
			if !c.write(ServerFrame{Type: string(ev.Type), GroupID: ev.GroupID, Data: ev.Data}) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sess.Close()
				return
			}
		}
	}
}

func (c *wsConn) write(frame ServerFrame) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.log.Debug("socket write failed", "error", err)
		c.sess.Close()
		return false
	}
	return true
}
