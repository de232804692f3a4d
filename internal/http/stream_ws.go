package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/taskrunner/internal/bus"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/pkg/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	// wsMaxMessageSize bounds client frames; clients only send control frames.
	wsMaxMessageSize = 4 * 1024
	wsSendBuffer     = 256
)

// handleStream handles GET /tasks/{task_id}/stream. It replays the content of
// the open streaming record, then pushes live frames until the stream ends
// or the client disconnects. A token published between subscribing and
// reading the snapshot can appear in both.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := store.ValidateID("task_id", taskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.svc.TaskStatus(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !st.Exists {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}

	events, cancel := s.bus.SubscribeChan(taskID, wsSendBuffer)
	defer cancel()

	closed := make(chan struct{})
	go readPump(conn, closed)

	if rec, err := s.svc.OpenStream(r.Context(), taskID); err != nil {
		slog.Warn("websocket: snapshot failed", "task_id", taskID, "error", err)
	} else if rec != nil {
		if err := writeFrame(conn, protocol.StreamFrame{
			Type: protocol.FrameSnapshot, TaskID: taskID, StreamID: rec.ID, Content: rec.Content,
		}); err != nil {
			conn.Close()
			return
		}
	}

	writePump(conn, events, closed)
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump forwards events and pings until a terminal frame is sent or the
// client goes away.
func writePump(conn *websocket.Conn, events <-chan bus.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			frame := protocol.StreamFrame{
				Type:     string(ev.Type),
				TaskID:   ev.TaskID,
				StreamID: ev.StreamID,
				Token:    ev.Token,
				Content:  ev.Content,
				Error:    ev.Error,
			}
			if err := writeFrame(conn, frame); err != nil {
				return
			}
			if ev.Type == bus.EventDone || ev.Type == bus.EventError {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame protocol.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
