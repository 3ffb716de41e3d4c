package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/notify"
	"github.com/relaychat/relay/internal/room"
	"github.com/relaychat/relay/internal/server"
	"github.com/relaychat/relay/internal/store"
)

type RelayApp struct {
	log            *log.Logger
	db             store.Repository
	mux            *http.Server
	gw             *server.Gateway
	rooms          *room.Manager
	push           *notify.Dispatcher
	signingKey     []byte
	allowedOrigins []string
}

func NewRelayApp(mux *http.ServeMux, logger *log.Logger, gw *server.Gateway, rooms *room.Manager, push *notify.Dispatcher, db store.Repository, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:            logger,
		db:             db,
		gw:             gw,
		rooms:          rooms,
		push:           push,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("DELETE /api/rooms", s.authMiddleware(s.deleteRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/push/subscriptions", s.authMiddleware(s.createSubscription))
	mux.Handle("DELETE /api/push/subscriptions", s.authMiddleware(s.deleteSubscription))
	mux.Handle("GET /api/push/subscriptions", s.authMiddleware(s.getSubscriptions))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *RelayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
