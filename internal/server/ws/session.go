package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one connected client. The write loop is the only goroutine
// that touches the connection's write side.
type session struct {
	id   string
	conn *websocket.Conn
	send chan Frame

	mu          sync.Mutex
	logChannels map[string]bool

	once sync.Once
	done chan struct{}
}

func (s *session) subscribe(channel string) {
	s.mu.Lock()
	s.logChannels[channel] = true
	s.mu.Unlock()
}

func (s *session) unsubscribe(channel string) {
	s.mu.Lock()
	delete(s.logChannels, channel)
	s.mu.Unlock()
}

func (s *session) subscribedTo(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logChannels[channel]
}

// trySend queues a frame without blocking. A full queue drops the frame;
// the client is too slow to keep the whole stream.
func (s *session) trySend(f Frame) {
	select {
	case <-s.done:
	case s.send <- f:
	default:
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}
		}
	}
}
