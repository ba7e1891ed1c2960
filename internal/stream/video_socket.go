package stream

import (
	"encoding/binary"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameKind is the first byte of every video message
type FrameKind byte

const (
	KindRaw       FrameKind = 0
	KindAnnotated FrameKind = 1
)

// Message layout: 1 byte kind + 8 bytes sequence + 4 bytes length + JPEG
const headerSize = 13

const (
	socketReadTimeout  = 60 * time.Second
	socketPingInterval = 30 * time.Second
	socketWriteTimeout = 100 * time.Millisecond
)

var videoUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EncodeMessage frames a JPEG for the video socket
func EncodeMessage(kind FrameKind, seq uint64, frame []byte) []byte {
	msg := make([]byte, headerSize+len(frame))
	msg[0] = byte(kind)
	binary.BigEndian.PutUint64(msg[1:9], seq)
	binary.BigEndian.PutUint32(msg[9:13], uint32(len(frame)))
	copy(msg[headerSize:], frame)
	return msg
}

// DecodeMessage is the inverse of EncodeMessage
func DecodeMessage(msg []byte) (FrameKind, uint64, []byte, error) {
	if len(msg) < headerSize {
		return 0, 0, nil, fmt.Errorf("video message too short: %d bytes", len(msg))
	}
	n := binary.BigEndian.Uint32(msg[9:13])
	if int(n) != len(msg)-headerSize {
		return 0, 0, nil, fmt.Errorf("video message length %d does not match payload %d", n, len(msg)-headerSize)
	}
	return FrameKind(msg[0]), binary.BigEndian.Uint64(msg[1:9]), msg[headerSize:], nil
}

// VideoSocket pushes new frames to WebSocket clients as binary messages.
// Placeholders are not sent; clients keep their last image.
type VideoSocket struct {
	kind     FrameKind
	interval time.Duration
	source   JPEGSource

	mu      sync.Mutex
	clients int
}

// NewVideoSocket creates a socket handler polling source at up to fps frames per second
func NewVideoSocket(kind FrameKind, fps int, source JPEGSource) *VideoSocket {
	if fps <= 0 {
		fps = 30
	}
	return &VideoSocket{
		kind:     kind,
		interval: time.Second / time.Duration(fps),
		source:   source,
	}
}

// Clients returns the number of connected clients
func (s *VideoSocket) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

// ServeHTTP upgrades the connection and streams until the client leaves
func (s *VideoSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := videoUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[VideoSocket] Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.clients++
	count := s.clients
	s.mu.Unlock()
	log.Printf("[VideoSocket] Client connected from %s (%d clients)", r.RemoteAddr, count)

	defer func() {
		s.mu.Lock()
		s.clients--
		count := s.clients
		s.mu.Unlock()
		log.Printf("[VideoSocket] Client disconnected (%d clients remaining)", count)
	}()

	closed := make(chan struct{})
	go readPump(conn, closed)

	frames := time.NewTicker(s.interval)
	defer frames.Stop()
	pings := time.NewTicker(socketPingInterval)
	defer pings.Stop()

	var lastSeq uint64
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-frames.C:
			frame, seq := s.source()
			if len(frame) == 0 || seq == 0 || seq == lastSeq {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(s.kind, seq, frame)); err != nil {
				log.Printf("[VideoSocket] Write error to client: %v", err)
				return
			}
			lastSeq = seq
		}
	}
}

// readPump discards client messages and closes done when the connection drops
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
