// internal/handlers/lobby_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/jason-s-yu/lobbyd/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T, cfg service.Config) *httptest.Server {
	t.Helper()
	require.NoError(t, auth.Init(time.Hour)) // ephemeral keys, no DB needed

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := &Server{
		Service:  service.New(cfg, service.WithLogger(logger)),
		Logger:   logger,
		Gatherer: prometheus.NewRegistry(),
	}
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func signIn(t *testing.T, ts *httptest.Server) (string, string) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/auth/anonymous", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		PlayerID string `json:"playerId"`
		Token    string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.PlayerID)
	return out.PlayerID, out.Token
}

func call(t *testing.T, ts *httptest.Server, token, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else if errOut, ok := out.(*ErrorBody); ok && resp.StatusCode >= 400 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(errOut))
	}
	return resp.StatusCode
}

func TestLobbyRESTFlow(t *testing.T) {
	ts := setupTestServer(t, service.DefaultConfig())
	hostID, hostTok := signIn(t, ts)
	p2ID, p2Tok := signIn(t, ts)
	_, p3Tok := signIn(t, ts)

	var created models.Lobby
	status := call(t, ts, hostTok, http.MethodPost, "/lobbies", models.CreateLobbyRequest{
		Name: "MyLobby", MaxPlayers: 2,
		Attributes: models.Attributes{"Map": {Value: "Dust"}},
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, hostID, created.HostID)
	assert.Len(t, created.Code, 6)

	var list models.LobbyList
	require.Equal(t, http.StatusOK, call(t, ts, p2Tok, http.MethodGet, "/lobbies?filter=attr.Map:eq:Dust&order=-created&limit=5", nil, &list))
	require.Len(t, list.Results, 1)
	assert.Equal(t, 1, list.Results[0].AvailableSlots)

	var joined models.Lobby
	require.Equal(t, http.StatusOK, call(t, ts, p2Tok, http.MethodPost, "/lobbies/code/"+strings.ToLower(created.Code)+"/join", nil, &joined))
	assert.Len(t, joined.Players, 2)

	var errBody ErrorBody
	status = call(t, ts, p3Tok, http.MethodPost, "/lobbies/"+created.ID.String()+"/join", nil, &errBody)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "full", errBody.Error.Code)
	assert.Equal(t, "join_lobby", errBody.Error.Op)
	assert.Equal(t, created.ID.String(), errBody.Error.LobbyID)

	status = call(t, ts, p3Tok, http.MethodPost, "/lobbies/quickjoin", models.QuickJoinRequest{}, &errBody)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "no_available_lobby", errBody.Error.Code)

	// only the host may patch the lobby
	status = call(t, ts, p2Tok, http.MethodPatch, "/lobbies/"+created.ID.String(), models.UpdateLobbyRequest{
		Attributes: models.AttributePatch{"GameMode": {Value: "Deathmatch"}},
	}, &errBody)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_host", errBody.Error.Code)

	var updated models.Lobby
	require.Equal(t, http.StatusOK, call(t, ts, hostTok, http.MethodPatch, "/lobbies/"+created.ID.String(), models.UpdateLobbyRequest{
		Attributes: models.AttributePatch{"GameMode": {Value: "Deathmatch"}},
	}, &updated))

	var polled models.Lobby
	require.Equal(t, http.StatusOK, call(t, ts, p2Tok, http.MethodGet, "/lobbies/"+created.ID.String(), nil, &polled))
	assert.Equal(t, "Deathmatch", polled.Attributes["GameMode"].Value)
	assert.Equal(t, "Dust", polled.Attributes["Map"].Value)

	status = call(t, ts, hostTok, http.MethodPatch, "/lobbies/"+created.ID.String(), models.UpdateLobbyRequest{HostID: "ghost"}, &errBody)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "member_not_found", errBody.Error.Code)

	require.Equal(t, http.StatusOK, call(t, ts, p2Tok, http.MethodPatch, "/lobbies/"+created.ID.String()+"/players/"+p2ID, models.UpdatePlayerRequest{
		Attributes: models.AttributePatch{"ready": {Value: "true"}},
	}, &updated))
	status = call(t, ts, p2Tok, http.MethodPatch, "/lobbies/"+created.ID.String()+"/players/"+hostID, models.UpdatePlayerRequest{}, &errBody)
	assert.Equal(t, http.StatusForbidden, status)

	assert.Equal(t, http.StatusNoContent, call(t, ts, hostTok, http.MethodPost, "/lobbies/"+created.ID.String()+"/heartbeat", nil, nil))
	assert.Equal(t, http.StatusForbidden, call(t, ts, p2Tok, http.MethodPost, "/lobbies/"+created.ID.String()+"/heartbeat", nil, nil))

	assert.Equal(t, http.StatusNoContent, call(t, ts, p2Tok, http.MethodDelete, "/lobbies/"+created.ID.String()+"/players/"+p2ID, nil, nil))
	assert.Equal(t, http.StatusNoContent, call(t, ts, hostTok, http.MethodDelete, "/lobbies/"+created.ID.String(), nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, ts, hostTok, http.MethodGet, "/lobbies/"+created.ID.String(), nil, nil))
}

func TestLobbyRequestValidation(t *testing.T) {
	ts := setupTestServer(t, service.DefaultConfig())
	_, tok := signIn(t, ts)

	var errBody ErrorBody
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, "", http.MethodGet, "/lobbies", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, ts, tok, http.MethodPost, "/lobbies", models.CreateLobbyRequest{Name: "x", MaxPlayers: 0}, &errBody))
	assert.Equal(t, "capacity", errBody.Error.Code)
	assert.Equal(t, http.StatusBadRequest, call(t, ts, tok, http.MethodGet, "/lobbies?filter=nope:eq:1", nil, &errBody))
	assert.Equal(t, "invalid_filter", errBody.Error.Code)
	assert.Equal(t, http.StatusBadRequest, call(t, ts, tok, http.MethodGet, "/lobbies?limit=ten", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, ts, tok, http.MethodGet, "/lobbies/not-a-uuid", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, ts, tok, http.MethodPost, "/lobbies/code/ZZZZZZ/join", nil, &errBody))
	assert.Equal(t, "invalid_code", errBody.Error.Code)

	// the body player cannot impersonate someone else
	status := call(t, ts, tok, http.MethodPost, "/lobbies", models.CreateLobbyRequest{
		Name: "x", MaxPlayers: 2, Player: &models.Player{ID: "someone-else"},
	}, &errBody)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestStrictDeletePolicyOverHTTP(t *testing.T) {
	cfg := service.DefaultConfig()
	cfg.Policy.StrictDelete = true
	ts := setupTestServer(t, cfg)
	_, hostTok := signIn(t, ts)
	_, otherTok := signIn(t, ts)

	var created models.Lobby
	require.Equal(t, http.StatusCreated, call(t, ts, hostTok, http.MethodPost, "/lobbies", models.CreateLobbyRequest{Name: "x", MaxPlayers: 4}, &created))
	assert.Equal(t, http.StatusForbidden, call(t, ts, otherTok, http.MethodDelete, "/lobbies/"+created.ID.String(), nil, nil))
	assert.Equal(t, http.StatusNoContent, call(t, ts, hostTok, http.MethodDelete, "/lobbies/"+created.ID.String(), nil, nil))
}

func TestPingAndMetrics(t *testing.T) {
	ts := setupTestServer(t, service.DefaultConfig())

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLobbyWatchStream(t *testing.T) {
	ts := setupTestServer(t, service.DefaultConfig())
	_, hostTok := signIn(t, ts)
	p2ID, p2Tok := signIn(t, ts)

	var created models.Lobby
	require.Equal(t, http.StatusCreated, call(t, ts, hostTok, http.MethodPost, "/lobbies", models.CreateLobbyRequest{Name: "x", MaxPlayers: 4}, &created))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/lobbies/" + created.ID.String() + "/ws"
	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + hostTok}},
	})
	require.NoError(t, err)
	defer c.CloseNow()

	require.Equal(t, http.StatusOK, call(t, ts, p2Tok, http.MethodPost, "/lobbies/"+created.ID.String()+"/join", nil, nil))

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var ev models.LobbyEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, models.EventPlayerJoined, ev.Type)
	assert.Equal(t, p2ID, ev.PlayerID)

	require.Equal(t, http.StatusNoContent, call(t, ts, hostTok, http.MethodDelete, "/lobbies/"+created.ID.String(), nil, nil))
	_, data, err = c.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, models.EventDeleted, ev.Type)

	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestLobbyWatchRejectsNonMember(t *testing.T) {
	ts := setupTestServer(t, service.DefaultConfig())
	_, hostTok := signIn(t, ts)
	_, otherTok := signIn(t, ts)

	var created models.Lobby
	require.Equal(t, http.StatusCreated, call(t, ts, hostTok, http.MethodPost, "/lobbies", models.CreateLobbyRequest{Name: "x", MaxPlayers: 4}, &created))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/lobbies/" + created.ID.String() + "/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + otherTok}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
