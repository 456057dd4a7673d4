package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin admits non-browser clients, same-host pages and the configured
// CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 || slices.Contains(s.origins, "*") {
		return true
	}
	if slices.Contains(s.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// streamAnalysis attaches an observer to a running session. Disconnecting
// only detaches the observer; the analysis keeps running.
func (s *Server) streamAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.engine.Sessions().Subscribe(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		zap.L().Debug("api: websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel, id)
	writePump(ctx, conn, sub, id)
}

// analyzeSocket starts an analysis from the first inbound message and streams
// it on the same connection. The session is bound to the connection: closing
// the socket aborts it.
func (s *Server) analyzeSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		zap.L().Debug("api: websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		if !websocket.IsCloseError(err, normalCloseCodes...) {
			zap.L().Debug("api: read analysis request", zap.Error(err))
		}
		return
	}

	req, err := decodeSocketRequest(data)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		sess *session.Session
		sub  *session.Subscription
	)
	if err == nil {
		sess, sub, err = s.engine.Stream(ctx, req)
	}
	if err != nil {
		rejectSocket(conn, err)
		return
	}
	defer sub.Close()

	go readPump(conn, cancel, sess.ID())
	writePump(ctx, conn, sub, sess.ID())
}

func decodeSocketRequest(data []byte) (model.AnalysisRequest, error) {
	var req model.AnalysisRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, model.NewValidationError("invalid request message: " + err.Error())
	}
	return req, nil
}

// rejectSocket reports a request that never became a session and closes the
// connection.
func rejectSocket(conn *websocket.Conn, err error) {
	content := err.Error()
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		content = ve.Error()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(model.StreamMessage{
		Type:      model.MessageError,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	code := websocket.CloseInternalServerErr
	if errors.Is(err, model.ErrValidation) {
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}

// readPump discards inbound frames and cancels the stream when the peer goes
// away or stops answering pings.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, sessionID string) {
	defer cancel()
	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				zap.L().Debug("api: websocket read ended",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump relays subscription messages until the stream ends, the peer
// disconnects, or a write fails. Idle waits longer than pingPeriod send a
// ping.
func writePump(ctx context.Context, conn *websocket.Conn, sub *session.Subscription, sessionID string) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, pingPeriod)
		msg, ok, err := sub.Next(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				zap.L().Debug("api: websocket ping failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "analysis finished"))
			return
		}
		if err := conn.WriteJSON(msg); err != nil {
			zap.L().Warn("api: websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
	}
}
