package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaychat/relay/internal/registry"
	"github.com/relaychat/relay/internal/room"
	"github.com/relaychat/relay/internal/server"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateRoomRequest struct {
	Name       string         `json:"name"`
	Type       types.RoomType `json:"type"`
	MaxMembers int            `json:"max_members"`
	// Peer is the other party when creating a direct room.
	Peer string `json:"peer,omitempty"`
}

type SubscriptionRequest struct {
	Channel types.Channel `json:"channel"`
	Token   string        `json:"token"`
}

func (s *RelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func identityFromAccount(acct store.Account) types.Identity {
	return types.Identity{
		ID:           acct.ID,
		Username:     acct.Username,
		EmailAddress: acct.EmailAddress,
		CreatedAt:    acct.CreatedAt,
		UpdatedAt:    acct.UpdatedAt,
	}
}

func (s *RelayApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := store.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	}

	acct, err := s.db.CreateAccount(r.Context(), params)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, store.ErrAccountExists) {
			errResp = NewConflictError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, identityFromAccount(acct))
}

func (s *RelayApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Email == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	acct, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		// Do not reveal whether the account exists.
		var errResp *ApiError
		if errors.Is(err, store.ErrNotFound) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(acct.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(acct.ID, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, identityFromAccount(acct))
}

func (s *RelayApp) session(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	acct, err := s.db.GetAccountByID(r.Context(), identityId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, store.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, identityFromAccount(acct))
}

func (s *RelayApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *RelayApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Type == types.RoomTypeDirect {
		if req.Peer == "" || req.Peer == identityId {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		newRoom, err := s.rooms.CreateDirect(r.Context(), identityId, req.Peer)
		if err != nil {
			s.log.Println("create direct room:", err)
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusCreated, newRoom)
		return
	}

	if req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newRoom, err := s.rooms.Create(r.Context(), identityId, room.CreateParams{
		Name:       req.Name,
		Type:       req.Type,
		MaxMembers: req.MaxMembers,
	})
	if err != nil {
		s.log.Println("create room:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, newRoom)
}

func (s *RelayApp) getRoom(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomId := r.URL.Query().Get("id")
	if roomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rm, err := s.rooms.Get(r.Context(), roomId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, room.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// Non-public rooms are invisible to non-members, indistinguishable
	// from rooms that do not exist.
	if rm.Type != types.RoomTypePublic && !slices.Contains(rm.Members, identityId) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, rm)
}

func (s *RelayApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomId := r.URL.Query().Get("id")
	if roomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.rooms.DeleteRoom(r.Context(), roomId, identityId); err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, room.ErrNotFound):
			errResp = NewNotFoundError()
		case errors.Is(err, room.ErrForbidden):
			errResp = NewForbiddenError()
		default:
			s.log.Println("delete room:", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *RelayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomId := r.URL.Query().Get("room_id")
	if roomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var since int64
	var limit int
	var err error

	sinceStr := r.URL.Query().Get("since")
	if sinceStr != "" {
		since, err = strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.rooms.Messages(r.Context(), roomId, identityId, since, limit)
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, room.ErrNotFound):
			errResp = NewNotFoundError()
		case errors.Is(err, room.ErrNotMember):
			errResp = NewForbiddenError()
		default:
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *RelayApp) createSubscription(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Token == "" || !validChannel(req.Channel) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.push.Subscribe(r.Context(), identityId, req.Channel, req.Token); err != nil {
		s.log.Println("save subscription:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, nil)
}

func (s *RelayApp) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel := types.Channel(r.URL.Query().Get("channel"))
	if !validChannel(channel) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.push.Unsubscribe(r.Context(), identityId, channel); err != nil {
		s.log.Println("remove subscription:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *RelayApp) getSubscriptions(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	subs, err := s.db.Subscriptions(r.Context(), identityId)
	if err != nil {
		s.log.Println("list subscriptions:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, subs)
}

func validChannel(c types.Channel) bool {
	switch c {
	case types.ChannelWebPush, types.ChannelAPNs, types.ChannelFCM:
		return true
	}
	return false
}

func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	acct, err := s.db.GetAccountByID(r.Context(), identityId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, store.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// Refuse before the upgrade so the client gets a retry hint.
	if s.gw.AtCapacity(identityId) {
		server.RetryAfterHeader(w.Header())
		errResp := NewServiceUnavailableError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(identityFromAccount(acct), conn, s.gw, s.log)

	if err := s.gw.RegisterClient(client); err != nil {
		// Caps can fill between the pre-check and here.
		if errors.Is(err, registry.ErrCapacityExceeded) {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "capacity exceeded")
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
		}
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
