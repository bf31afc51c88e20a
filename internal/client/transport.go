package client

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatkit/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// EventSource maintains the websocket connection to the chat service and
// turns incoming frames into typed domain events. Connection lifecycle
// transitions surface as ConnectedEvent/DisconnectedEvent on the same
// channel as server events.
type EventSource struct {
	url    string
	userID string
	tokens TokenProvider
	log    *log.Logger

	eventsChan chan events.Event
}

func NewEventSource(wsURL, userID string, tokens TokenProvider, logger *log.Logger) *EventSource {
	return &EventSource{
		url:        wsURL,
		userID:     userID,
		tokens:     tokens,
		log:        logger,
		eventsChan: make(chan events.Event, 256),
	}
}

// Events is the stream consumed by the sync engine.
func (s *EventSource) Events() <-chan events.Event {
	return s.eventsChan
}

// Run dials and re-dials the server until ctx is cancelled, with capped
// exponential backoff between attempts. It closes the event channel on
// return.
func (s *EventSource) Run(ctx context.Context) {
	defer close(s.eventsChan)

	backoff := reconnectMin
	for {
		connected, err := s.connectAndRead(ctx)
		if err != nil {
			s.log.Println("ws connection:", err)
		}
		if connected {
			// the backoff escalation is for consecutive failed dials, not
			// for a drop after a healthy connection
			backoff = reconnectMin
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectAndRead dials and drains one connection. It reports whether
// the dial succeeded so the caller can reset its backoff.
func (s *EventSource) connectAndRead(ctx context.Context) (bool, error) {
	token, err := s.tokens(s.userID)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	header := map[string][]string{"Authorization": {"Bearer " + token}}

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// the server's first frame after a successful dial is the connected
	// event carrying the session user; everything before it is dropped
	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			s.deliver(ctx, events.DisconnectedEvent{Base: events.NewBase(events.TypeDisconnected, time.Now().UTC())})
			return true, nil
		}

		event, err := events.Decode(raw)
		if err != nil {
			s.log.Println("error parsing event:", err)
			continue
		}

		if !s.deliver(ctx, event) {
			return true, nil
		}
	}
}

func (s *EventSource) deliver(ctx context.Context, event events.Event) bool {
	select {
	case s.eventsChan <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *EventSource) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}
