package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
	"github.com/jobpostpro/quiz-engine/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	actionWait = 15 * time.Second
)

var errInvalidMessage = errors.New("invalid message")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamMessage is a server to candidate frame
type StreamMessage struct {
	Type  string               `json:"type"`
	View  *models.SessionView  `json:"view,omitempty"`
	Event *models.SessionEvent `json:"event,omitempty"`
	Error *apiError            `json:"error,omitempty"`
}

// ClientMessage is a candidate to server frame
type ClientMessage struct {
	Type       string `json:"type"`
	QuestionID string `json:"question_id,omitempty"`
	Option     *int   `json:"option,omitempty"`
}

type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamConn) send(msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleStream pushes the current view and then every session event to the candidate.
// Dropping the connection leaves the session running.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	view, err := s.sessions.View(r.Context(), token)
	if err != nil {
		respondDomainError(w, err, "load session view")
		return
	}

	// Ended sessions get their final view and nothing else
	events, unsubscribe, subErr := s.sessions.Subscribe(r.Context(), token)
	if subErr != nil && !isEnded(subErr) {
		respondDomainError(w, subErr, "subscribe to session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		if unsubscribe != nil {
			unsubscribe()
		}
		return
	}
	defer conn.Close()

	sc := &streamConn{conn: conn}
	if err := sc.send(StreamMessage{Type: "view", View: &view}); err != nil {
		if unsubscribe != nil {
			unsubscribe()
		}
		return
	}
	if subErr != nil {
		sc.closeNormal("session ended")
		return
	}
	defer unsubscribe()

	slog.Info("session stream connected", "session_id", view.SessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readActions(ctx, sc, token)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sc.ping(); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					// Session ended: send the final state and hang up
					if final, err := s.sessions.View(context.Background(), token); err == nil {
						sc.send(StreamMessage{Type: "view", View: &final})
					}
					sc.closeNormal("session ended")
					return
				}
				if err := sc.send(StreamMessage{Type: "event", Event: &ev}); err != nil {
					return
				}
			}
		}
	}()

	cancel()
	conn.Close()
	wg.Wait()
	slog.Info("session stream disconnected", "session_id", view.SessionID)
}

// readActions applies candidate commands until the connection drops
func (s *Server) readActions(ctx context.Context, sc *streamConn, token string) {
	sc.conn.SetReadLimit(4096)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sc.send(StreamMessage{Type: "error", Error: &apiError{Code: "invalid_request", Message: "invalid message format"}})
			continue
		}

		if err := s.applyAction(ctx, token, msg); err != nil {
			_, code := classifyError(err)
			sc.send(StreamMessage{Type: "error", Error: &apiError{Code: code, Message: err.Error()}})
		}
	}
}

func (s *Server) applyAction(ctx context.Context, token string, msg ClientMessage) error {
	ctx, cancel := context.WithTimeout(ctx, actionWait)
	defer cancel()

	switch msg.Type {
	case "start":
		return s.sessions.Start(ctx, token)
	case "answer":
		if msg.QuestionID == "" || msg.Option == nil {
			return fmt.Errorf("%w: answer needs question_id and option", errInvalidMessage)
		}
		return s.sessions.Answer(ctx, token, msg.QuestionID, *msg.Option)
	case "advance":
		return s.sessions.Advance(ctx, token)
	case "retry":
		return s.sessions.Retry(ctx, token)
	default:
		return fmt.Errorf("%w: unknown type %q", errInvalidMessage, msg.Type)
	}
}

func (c *streamConn) closeNormal(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}

func isEnded(err error) bool {
	return errors.Is(err, quiz.ErrClosed) || errors.Is(err, session.ErrAlreadySubmitted)
}
