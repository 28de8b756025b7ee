package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 1024
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	CreateRoom(rounds int) (string, error)
}

type CreateRoomRequest struct {
	Rounds *int `json:"rounds"`
}

type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger         zerolog.Logger
	svc            RoomService
	allowedOrigins []string
	defaultRounds  int
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	RoomService    RoomService
	ListenAddr     string
	AllowedOrigins []string
	DefaultRounds  int
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:            cfg.RoomService,
		allowedOrigins: cfg.AllowedOrigins,
		defaultRounds:  cfg.DefaultRounds,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /rooms/create", srv.createRoom)
	r.HandleFunc("OPTIONS /", srv.corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) setAllowOrigin(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	switch {
	case slices.Contains(srv.allowedOrigins, "*"):
		w.Header().Set("Access-Control-Allow-Origin", "*")
	case origin != "" && slices.Contains(srv.allowedOrigins, origin):
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
	}
}

func (srv *Server) corsHandler(w http.ResponseWriter, r *http.Request) {
	srv.setAllowOrigin(w, r)
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	srv.setAllowOrigin(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	if err != nil {
		srv.logger.Warn().Err(err).Msg("failed to read request body")
		srv.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req CreateRoomRequest
	if err = json.Unmarshal(body, &req); err != nil {
		srv.writeError(w, http.StatusBadRequest, err)
		return
	}

	srv.logger.Trace().Any("request", req).Msg("got create room request")

	rounds := srv.defaultRounds
	if req.Rounds != nil {
		rounds = *req.Rounds
	}
	roomID, err := srv.svc.CreateRoom(rounds)
	if err != nil {
		srv.writeError(w, http.StatusBadRequest, err)
		return
	}

	b, err := json.Marshal(&CreateRoomResponse{RoomID: roomID})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, http.StatusOK, b)
}

func (srv *Server) writeError(w http.ResponseWriter, code int, err error) {
	b, errJ := json.Marshal(&GenericResponse{Error: err.Error()})
	if errJ != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
