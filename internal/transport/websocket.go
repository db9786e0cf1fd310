package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/san-kum/pidtune/internal/episode"
	"github.com/san-kum/pidtune/internal/session"
)

// Opener starts one tuning session per vehicle connection.
type Opener interface {
	New(transport string) (*session.Session, error)
}

// WebSocketServer answers simulator telemetry. Every connection runs its own
// session.
type WebSocketServer struct {
	Addr     string
	Path     string
	Sessions Opener
	Log      *zap.Logger
	// OnFinish is called once per session that reaches a terminal outcome.
	OnFinish func(episode.Summary)

	mu sync.Mutex
}

func (s *WebSocketServer) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Handler serves the websocket endpoint. The simulator sends no Origin
// header, so the handshake accepts any origin.
func (s *WebSocketServer) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveConn,
	}
}

func (s *WebSocketServer) Run(ctx context.Context) error {
	path := s.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, s.Handler())

	server := &http.Server{Addr: s.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	s.logger().Info("listening for telemetry", zap.String("addr", s.Addr), zap.String("path", path))
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *WebSocketServer) serveConn(ws *websocket.Conn) {
	defer ws.Close()
	log := s.logger()

	sess, err := s.Sessions.New("websocket")
	if err != nil {
		log.Error("open session", zap.Error(err))
		return
	}
	log = log.With(zap.String("session", sess.ID), zap.String("remote", ws.Request().RemoteAddr))
	log.Info("connected")
	defer func() {
		if err := sess.Close(); err != nil {
			log.Error("close session", zap.Error(err))
		}
		log.Info("disconnected")
	}()

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("receive", zap.Error(err))
			}
			return
		}

		reply, res, err := s.handle(sess, msg)
		if res.Outcome.Terminal() {
			if err != nil {
				log.Error("finish session", zap.Error(err))
			}
			s.finish(*res.Summary)
			return
		}
		if err != nil {
			log.Warn("drop message", zap.Error(err))
			continue
		}
		if reply == "" {
			continue
		}
		if err := websocket.Message.Send(ws, reply); err != nil {
			log.Warn("send", zap.Error(err))
			return
		}
	}
}

// handle turns one frame into its reply. An empty reply means nothing is
// sent back.
func (s *WebSocketServer) handle(sess *session.Session, msg string) (string, episode.Result, error) {
	m, err := Decode(msg)
	if err != nil {
		return "", episode.Result{}, err
	}
	switch m.Kind {
	case Manual:
		return ManualReply, episode.Result{}, nil
	case Telemetry:
		res, err := sess.Handle(m.CTE, m.Speed)
		if err != nil {
			if errors.Is(err, episode.ErrInvalidSample) {
				return ManualReply, episode.Result{}, nil
			}
			return "", res, err
		}
		if res.Outcome.Terminal() {
			return "", res, nil
		}
		reply, err := EncodeSteer(res.Command)
		return reply, res, err
	default:
		return "", episode.Result{}, nil
	}
}

func (s *WebSocketServer) finish(sum episode.Summary) {
	if s.OnFinish == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OnFinish(sum)
}
