package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/notify"
	"github.com/relaychat/relay/internal/registry"
	"github.com/relaychat/relay/internal/room"
	"github.com/relaychat/relay/internal/server"
	"github.com/relaychat/relay/internal/stats"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/testutil"
	"github.com/relaychat/relay/internal/types"
)

func newTestAppWithRegistry(t *testing.T, regCfg registry.Config) (*RelayApp, *store.MemoryRepository) {
	t.Helper()

	logger := testutil.TestLogger(t)
	db := store.NewMemoryRepository()
	b := bus.NewMemoryBus(logger)
	t.Cleanup(func() { b.Close() })

	reg := registry.NewRegistry(logger, stats.NoopStats{}, regCfg)
	rooms := room.NewManager(logger, db, b, stats.NoopStats{}, 0, "test-instance")
	push := notify.NewDispatcher(logger, db, stats.NoopStats{}, nil)
	gw := server.NewGateway(logger, reg, rooms, nil, nil)

	cfg := &config.Config{
		ServerAddr: "localhost:0",
		SigningKey: []byte("test-signing-key"),
	}

	return NewRelayApp(http.NewServeMux(), logger, gw, rooms, push, db, cfg), db
}

func newTestApp(t *testing.T) (*RelayApp, *store.MemoryRepository) {
	t.Helper()
	return newTestAppWithRegistry(t, registry.Config{
		MaxConnections:            8,
		MaxConnectionsPerIdentity: 2,
		IdleTimeout:               time.Minute,
		SweepInterval:             time.Minute,
	})
}

func doJson(t *testing.T, app *RelayApp, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}

	rr := httptest.NewRecorder()
	app.mux.Handler.ServeHTTP(rr, req)
	return rr
}

func registerAndLogin(t *testing.T, app *RelayApp, email string) (types.Identity, *http.Cookie) {
	t.Helper()

	rr := doJson(t, app, http.MethodPost, "/api/auth/register", RegisterRequest{
		Email:    email,
		Username: strings.Split(email, "@")[0],
		Password: "s3cret",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, "expected registration to succeed")

	rr = doJson(t, app, http.MethodPost, "/api/auth/login", LoginRequest{
		Email:    email,
		Password: "s3cret",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code, "expected login to succeed")

	var identity types.Identity
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&identity))

	resp := rr.Result()
	defer resp.Body.Close()
	for _, cookie := range resp.Cookies() {
		if cookie.Name == tokenCookieKey {
			return identity, cookie
		}
	}

	t.Fatal("expected a session cookie on login")
	return types.Identity{}, nil
}

func TestCreateAccountHandler(t *testing.T) {
	app, _ := newTestApp(t)

	rr := doJson(t, app, http.MethodPost, "/api/auth/register", RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret",
	}, nil)
	assert.Equal(t, http.StatusCreated, rr.Code, "expected account created")

	var identity types.Identity
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&identity))
	assert.NotEmpty(t, identity.ID, "expected an assigned identity id")
	assert.Equal(t, "alice", identity.Username)

	t.Run("duplicate email", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/auth/register", RegisterRequest{
			Email:    "alice@example.com",
			Username: "alice2",
			Password: "s3cret",
		}, nil)
		assert.Equal(t, http.StatusConflict, rr.Code, "expected a duplicate email rejected")
	})

	t.Run("missing fields", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/auth/register", RegisterRequest{
			Email: "bob@example.com",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected incomplete registration rejected")
	})
}

func TestLoginHandler(t *testing.T) {
	app, _ := newTestApp(t)
	registerAndLogin(t, app, "alice@example.com")

	t.Run("wrong password", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/auth/login", LoginRequest{
			Email:    "alice@example.com",
			Password: "wrong",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected a wrong password rejected")
	})

	t.Run("unknown email", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/auth/login", LoginRequest{
			Email:    "nobody@example.com",
			Password: "s3cret",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code,
			"expected an unknown email to be indistinguishable from a bad password")
	})
}

func TestSessionHandler(t *testing.T) {
	app, _ := newTestApp(t)
	identity, cookie := registerAndLogin(t, app, "alice@example.com")

	rr := doJson(t, app, http.MethodGet, "/api/auth/session", nil, cookie)
	assert.Equal(t, http.StatusOK, rr.Code, "expected the session resolved")

	var got types.Identity
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, identity.ID, got.ID, "expected the logged-in identity returned")

	t.Run("without cookie", func(t *testing.T) {
		rr := doJson(t, app, http.MethodGet, "/api/auth/session", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected an anonymous session rejected")
	})

	t.Run("with garbage token", func(t *testing.T) {
		rr := doJson(t, app, http.MethodGet, "/api/auth/session", nil,
			&http.Cookie{Name: tokenCookieKey, Value: "not.a.token"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected a bad token rejected")
	})
}

func TestLogoutHandler(t *testing.T) {
	app, _ := newTestApp(t)
	_, cookie := registerAndLogin(t, app, "alice@example.com")

	rr := doJson(t, app, http.MethodGet, "/api/auth/logout", nil, cookie)
	assert.Equal(t, http.StatusNoContent, rr.Code, "expected logout to succeed")

	resp := rr.Result()
	defer resp.Body.Close()
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies, "expected the cookie overwritten")
	assert.Empty(t, cookies[0].Value, "expected the token cleared")
}

func TestCreateRoomHandler(t *testing.T) {
	app, db := newTestApp(t)
	identity, cookie := registerAndLogin(t, app, "alice@example.com")

	rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "general"}, cookie)
	assert.Equal(t, http.StatusCreated, rr.Code, "expected the room created")

	var created types.Room
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	assert.Equal(t, []string{identity.ID}, created.Members, "expected the creator as the sole member")
	assert.Equal(t, []string{identity.ID}, created.Admins, "expected the creator as admin")

	_, err := db.GetRoom(context.Background(), created.ID)
	assert.NoError(t, err, "expected the room persisted")

	t.Run("direct room", func(t *testing.T) {
		peer, _ := registerAndLogin(t, app, "bob@example.com")

		rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{
			Type: types.RoomTypeDirect,
			Peer: peer.ID,
		}, cookie)
		assert.Equal(t, http.StatusCreated, rr.Code, "expected the direct room created")

		var direct types.Room
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&direct))
		assert.Equal(t, types.RoomTypeDirect, direct.Type)
		assert.ElementsMatch(t, []string{identity.ID, peer.ID}, direct.Members)
	})

	t.Run("direct room without peer", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{
			Type: types.RoomTypeDirect,
		}, cookie)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected a direct room without a peer rejected")
	})

	t.Run("missing name", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{}, cookie)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected a nameless room rejected")
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "general"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestGetRoomHandler(t *testing.T) {
	app, _ := newTestApp(t)
	_, cookie := registerAndLogin(t, app, "alice@example.com")

	rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "general"}, cookie)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created types.Room
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))

	rr = doJson(t, app, http.MethodGet, "/api/rooms?id="+created.ID, nil, cookie)
	assert.Equal(t, http.StatusOK, rr.Code, "expected the room returned")

	rr = doJson(t, app, http.MethodGet, "/api/rooms?id=missing", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rr.Code, "expected a missing room to 404")

	rr = doJson(t, app, http.MethodGet, "/api/rooms", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected a missing id rejected")

	t.Run("private room hidden from non-members", func(t *testing.T) {
		rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{
			Name: "secret",
			Type: types.RoomTypePrivate,
		}, cookie)
		require.Equal(t, http.StatusCreated, rr.Code)
		var private types.Room
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&private))

		_, otherCookie := registerAndLogin(t, app, "mallory@example.com")
		rr = doJson(t, app, http.MethodGet, "/api/rooms?id="+private.ID, nil, otherCookie)
		assert.Equal(t, http.StatusNotFound, rr.Code,
			"expected a private room to look nonexistent to a non-member")

		rr = doJson(t, app, http.MethodGet, "/api/rooms?id="+private.ID, nil, cookie)
		assert.Equal(t, http.StatusOK, rr.Code, "expected the member to see the room")
	})
}

func TestDeleteRoomHandler(t *testing.T) {
	app, _ := newTestApp(t)
	_, adminCookie := registerAndLogin(t, app, "alice@example.com")
	_, memberCookie := registerAndLogin(t, app, "bob@example.com")

	rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "general"}, adminCookie)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created types.Room
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))

	rr = doJson(t, app, http.MethodDelete, "/api/rooms?id="+created.ID, nil, memberCookie)
	assert.Equal(t, http.StatusForbidden, rr.Code, "expected a non-admin delete rejected")

	rr = doJson(t, app, http.MethodDelete, "/api/rooms?id="+created.ID, nil, adminCookie)
	assert.Equal(t, http.StatusNoContent, rr.Code, "expected the admin delete to succeed")

	rr = doJson(t, app, http.MethodDelete, "/api/rooms?id="+created.ID, nil, adminCookie)
	assert.Equal(t, http.StatusNotFound, rr.Code, "expected a repeat delete to 404")
}

func TestGetMessagesHandler(t *testing.T) {
	app, _ := newTestApp(t)
	_, cookie := registerAndLogin(t, app, "alice@example.com")

	rr := doJson(t, app, http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "general"}, cookie)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created types.Room
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))

	for i := 0; i < 3; i++ {
		_, err := app.rooms.Send(context.Background(), created.ID, created.Members[0],
			room.SendParams{Content: "hi"})
		require.NoError(t, err)
	}

	rr = doJson(t, app, http.MethodGet, "/api/messages?room_id="+created.ID+"&since=1", nil, cookie)
	assert.Equal(t, http.StatusOK, rr.Code, "expected the backfill to succeed")

	var messages []types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&messages))
	assert.Len(t, messages, 2, "expected only messages past the cursor")

	// History belongs to members only; any other authenticated identity
	// is refused.
	_, otherCookie := registerAndLogin(t, app, "mallory@example.com")
	rr = doJson(t, app, http.MethodGet, "/api/messages?room_id="+created.ID, nil, otherCookie)
	assert.Equal(t, http.StatusForbidden, rr.Code, "expected a non-member backfill rejected")

	rr = doJson(t, app, http.MethodGet, "/api/messages?room_id="+created.ID+"&since=nope", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected a malformed cursor rejected")

	rr = doJson(t, app, http.MethodGet, "/api/messages?room_id=missing", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rr.Code, "expected a missing room to 404")

	rr = doJson(t, app, http.MethodGet, "/api/messages", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected a missing room id rejected")
}

func TestSubscriptionHandlers(t *testing.T) {
	app, _ := newTestApp(t)
	_, cookie := registerAndLogin(t, app, "alice@example.com")

	rr := doJson(t, app, http.MethodPost, "/api/push/subscriptions", SubscriptionRequest{
		Channel: types.ChannelWebPush,
		Token:   "tok-1",
	}, cookie)
	assert.Equal(t, http.StatusCreated, rr.Code, "expected the subscription saved")

	rr = doJson(t, app, http.MethodPost, "/api/push/subscriptions", SubscriptionRequest{
		Channel: "smoke-signal",
		Token:   "tok-2",
	}, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected an unknown channel rejected")

	rr = doJson(t, app, http.MethodGet, "/api/push/subscriptions", nil, cookie)
	assert.Equal(t, http.StatusOK, rr.Code)
	var subs []types.Subscription
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&subs))
	require.Len(t, subs, 1, "expected one active subscription")
	assert.Equal(t, "tok-1", subs[0].Token)

	rr = doJson(t, app, http.MethodDelete, "/api/push/subscriptions?channel=webpush", nil, cookie)
	assert.Equal(t, http.StatusNoContent, rr.Code, "expected the subscription removed")

	rr = doJson(t, app, http.MethodGet, "/api/push/subscriptions", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	subs = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&subs))
	assert.Empty(t, subs, "expected no subscriptions left")
}

func TestServeWs(t *testing.T) {
	app, _ := newTestApp(t)
	_, cookie := registerAndLogin(t, app, "alice@example.com")

	srv := httptest.NewServer(app.mux.Handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Cookie": []string{cookie.String()}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err, "expected the upgrade to succeed")
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "ping": map[string]any{}}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var reply struct {
		Id   int             `json:"id"`
		Pong json.RawMessage `json:"pong"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, 1, reply.Id, "expected the pong correlated to the ping")
	assert.NotNil(t, reply.Pong, "expected a pong payload")
}

func TestServeWsUnauthorized(t *testing.T) {
	app, _ := newTestApp(t)

	rr := doJson(t, app, http.MethodGet, "/ws", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected an anonymous upgrade rejected")
}

func TestServeWsAtCapacity(t *testing.T) {
	app, _ := newTestAppWithRegistry(t, registry.Config{
		MaxConnections:            0,
		MaxConnectionsPerIdentity: 2,
		IdleTimeout:               time.Minute,
		SweepInterval:             time.Minute,
	})
	_, cookie := registerAndLogin(t, app, "alice@example.com")

	rr := doJson(t, app, http.MethodGet, "/ws", nil, cookie)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "expected the upgrade refused at capacity")
	assert.Equal(t, "30", rr.Header().Get("Retry-After"), "expected a retry hint")
}
