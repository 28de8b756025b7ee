package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/song-guess/backend/game"
	"github.com/adwski/song-guess/backend/model"
	"github.com/adwski/song-guess/backend/service"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultWireBufferSize = 64
)

const (
	errMsgRoomNotFound   = "Room not found"
	errMsgInvalidJoin    = "Invalid join payload"
	errMsgJoinFailed     = "Unable to join room"
	errMsgInvalidMessage = "Invalid message"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	GameService interface {
		GetRoom(roomID string) (*game.Room, error)
		Join(ctx context.Context, roomID string, req model.JoinRequest, wire model.Wire) (*service.Session, error)
		Dispatch(ctx context.Context, sess *service.Session, msg model.Message) error
		Leave(ctx context.Context, sess *service.Session)
	}

	Config struct {
		Logger       *zerolog.Logger
		GameService  GameService
		ListenAddr   string
		PingInterval time.Duration
		PongWait     time.Duration
	}

	Server struct {
		svc GameService
		ws  *websocket.Upgrader
		*http.Server

		logger       zerolog.Logger
		pingInterval time.Duration
		pongWait     time.Duration
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:          cfg.GameService,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.pingInterval <= 0 || srv.pongWait <= srv.pingInterval {
		srv.pingInterval = defaultPingInterval
		srv.pongWait = defaultPongWait
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}
	return srv
}

func (srv *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{roomID}", srv.serveRoom)
	return mux
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// serveRoom upgrades the connection and starts the session. A connection to
// an unknown room gets one error event (see model.NewErrorEvent for its
// shape) and is closed.
func (srv *Server) serveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().
		Str("roomID", roomID).
		Str("session", uuid.NewString()).
		Logger()

	if _, err = srv.svc.GetRoom(roomID); err != nil {
		logger.Debug().Err(err).Msg("rejecting connection")
		if err = writeEvent(conn, model.NewErrorEvent(errMsgRoomNotFound)); err != nil {
			logger.Error().Err(err).Msg("failed to send error")
		}
		webSocketCloser(conn, &logger)
		return
	}
	logger.Debug().Msg("connection accepted")

	go srv.handleWSConn(conn, roomID, &logger)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, roomID string, logger *zerolog.Logger) {
	var (
		sess *service.Session
		wire = model.NewWire(defaultWireBufferSize)
		wg   = &sync.WaitGroup{}
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		sess = srv.webSocketReceiver(ctx, conn, roomID, wire, logger)
		cancel()
	}()
	go func() {
		defer wg.Done()
		srv.webSocketSender(ctx, conn, wire.TX, logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, logger)
	if sess != nil {
		srv.destroySession(sess, logger)
	}
}

func (srv *Server) destroySession(sess *service.Session, logger *zerolog.Logger) {
	srv.svc.Leave(context.Background(), sess)
	logger.Debug().
		Int("playerID", sess.PlayerID).
		Msg("session ended")
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			flush(conn, tx, logger)
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case ev := <-tx:
			if wsErr := writeEvent(conn, ev); wsErr != nil {
				logger.Error().Err(wsErr).Str("type", ev.Type).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
}

// flush writes events that were queued before the connection got canceled,
// e.g. the error reply to a rejected join.
func flush(conn *websocket.Conn, tx <-chan model.Event, logger *zerolog.Logger) {
	for {
		select {
		case ev := <-tx:
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug().Err(err).Str("type", ev.Type).Msg("failed to flush outgoing event")
				return
			}
		default:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev model.Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to marshall outgoing event: %w", err)
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return fmt.Errorf("failed to set websocket write deadline: %w", err)
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("failed to get websocket text writer: %w", err)
	}
	if _, err = wsW.Write(b); err != nil {
		return fmt.Errorf("failed to write outgoing event: %w", err)
	}
	if err = wsW.Close(); err != nil {
		return fmt.Errorf("failed to close websocket writer: %w", err)
	}
	return nil
}

// webSocketReceiver performs the join handshake and then dispatches inbound
// messages until the connection is gone. It returns the joined session or
// nil if the handshake did not complete.
func (srv *Server) webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	roomID string,
	wire model.Wire,
	logger *zerolog.Logger,
) *service.Session {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	if err := readDeadLineFunc(srv.pongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return nil
	}

	// Room events must reach peers even if this connection drops mid-message.
	evCtx := context.WithoutCancel(ctx)

	sess, err := srv.join(ctx, evCtx, conn, roomID, wire, logger)
	if err != nil {
		return nil
	}
	sLogger := logger.With().Int("playerID", sess.PlayerID).Logger()

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			msg, wsErr := readMessage(conn, &sLogger)
			if wsErr != nil {
				break RecvLoop
			}

			var m model.Message
			if wsErr = json.Unmarshal(msg, &m); wsErr != nil {
				sLogger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
				reply(ctx, wire, model.NewErrorEvent(errMsgInvalidMessage))
				continue
			}

			wsErr = srv.dispatch(evCtx, sess, m)
			switch {
			case wsErr == nil:
			case errors.Is(wsErr, service.ErrMalformedMessage):
				sLogger.Warn().Err(wsErr).Str("type", m.Type).Msg("malformed message")
				reply(ctx, wire, model.NewErrorEvent(errMsgInvalidMessage))
			default:
				sLogger.Error().Err(wsErr).Str("type", m.Type).Msg("message handling failed")
				break RecvLoop
			}
		}
	}
	return sess
}

func (srv *Server) join(
	ctx, evCtx context.Context,
	conn *websocket.Conn,
	roomID string,
	wire model.Wire,
	logger *zerolog.Logger,
) (*service.Session, error) {
	msg, err := readMessage(conn, logger)
	if err != nil {
		return nil, err
	}

	var req model.JoinRequest
	if err = json.Unmarshal(msg, &req); err != nil {
		logger.Warn().Err(err).Msg("failed to unmarshall join request")
		reply(ctx, wire, model.NewErrorEvent(errMsgInvalidJoin))
		return nil, err
	}

	sess, err := srv.svc.Join(evCtx, roomID, req, wire)
	if err != nil {
		logger.Warn().Err(err).Msg("join rejected")
		errMsg := errMsgJoinFailed
		switch {
		case errors.Is(err, service.ErrInvalidName):
			errMsg = errMsgInvalidJoin
		case errors.Is(err, service.ErrGet), errors.Is(err, service.ErrRoomClosed):
			errMsg = errMsgRoomNotFound
		}
		reply(ctx, wire, model.NewErrorEvent(errMsg))
		return nil, err
	}
	logger.Debug().
		Int("playerID", sess.PlayerID).
		Bool("host", sess.Host).
		Msg("player joined")
	return sess, nil
}

// dispatch turns a panic in message handling into an error so the
// connection is torn down and the player cleaned up.
func (srv *Server) dispatch(ctx context.Context, sess *service.Session, msg model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnexpected, r)
		}
	}()
	return srv.svc.Dispatch(ctx, sess, msg)
}

func readMessage(conn *websocket.Conn, logger *zerolog.Logger) ([]byte, error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway) {
			logger.Warn().Err(err).Msg("connection closed")
		} else {
			logger.Error().Err(err).Msg("unexpected error during receive")
		}
		return nil, err
	}
	return msg, nil
}

func reply(ctx context.Context, wire model.Wire, ev model.Event) {
	select {
	case wire.TX <- ev:
	case <-ctx.Done():
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
