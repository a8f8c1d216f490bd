package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/bus"
)

const (
	clientBuffer   = 64
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	logReplayLines = 500
	logPollEvery   = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from another origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub fans bus messages out to connected dashboard sockets.
type hub struct {
	logger     *logrus.Entry
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan bus.Message
	clients    map[*wsClient]struct{}
}

func newHub(logger *logrus.Logger) *hub {
	return &hub{
		logger:     logger.WithField("component", "ws"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan bus.Message, clientBuffer),
		clients:    make(map[*wsClient]struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// A stalled socket loses messages, never blocks the hub.
				}
			}
		}
	}
}

func (h *hub) send(msg bus.Message) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// wsClient is one connected dashboard socket.
type wsClient struct {
	conn *websocket.Conn
	send chan bus.Message
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is noticing the close.
func (c *wsClient) readPump(h *hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleWS upgrades the connection, sends the system-status snapshot, then
// streams bus messages.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("ws upgrade: %v", err)
		return
	}
	snapshot := bus.Message{
		Topic:   bus.TopicSystemStatus,
		Payload: s.mgr.SystemStatus(),
		Ts:      time.Now().UTC(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snapshot); err != nil {
		conn.Close()
		return
	}

	client := &wsClient{conn: conn, send: make(chan bus.Message, clientBuffer)}
	s.hub.register <- client
	go client.writePump()
	go client.readPump(s.hub)
}

// handleWSLogs replays the tail of the log file, then follows new lines.
func (s *Server) handleWSLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	lines, offset, err := tailLines(s.cfg.LogPath, logReplayLines)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("log file unavailable: "+err.Error()))
		return
	}
	for _, line := range lines {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	// Reads detect the peer going away; writes stop on error.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(logPollEvery)
	defer poll.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-poll.C:
			fresh, next, err := readFrom(s.cfg.LogPath, offset)
			if err != nil {
				continue
			}
			offset = next
			for _, line := range fresh {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
					return
				}
			}
		}
	}
}

// tailLines returns up to n trailing lines of the file and the offset where
// tailing should resume.
func tailLines(path string, n int) ([]string, int64, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-configured log path
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, err
	}
	return lines, offset, nil
}

// readFrom returns complete lines appended after offset. Truncation (log
// rotation) restarts from the top of the new file.
func readFrom(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-configured log path
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	read := offset
	for scanner.Scan() {
		line := scanner.Text()
		read += int64(len(line)) + 1
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, offset, err
	}
	return lines, read, nil
}
