// internal/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every request unless the caller's context is shorter.
const DefaultTimeout = 5 * time.Second

// watchSubprotocol must match the server's websocket subprotocol.
const watchSubprotocol = "lobby"

// TransportError is a failure to reach the server or to read its reply. It is
// retryable; the lobby state on the server is unknown.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports that the call may be retried.
func (e *TransportError) Temporary() bool { return true }

// ErrRateLimited is returned (inside a TransportError) on HTTP 429.
var ErrRateLimited = errors.New("rate limited")

// Client talks to a lobbyd server. The caller identity is the token subject,
// so the callerID arguments of the coordinator methods are not sent.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logrus.FieldLogger

	mu       sync.RWMutex
	token    string
	playerID string
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets a previously issued token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token != "" {
		if sub, err := auth.SubjectOf(c.token); err == nil {
			c.playerID = sub
		}
	}
	return c
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// PlayerID returns the id issued by the last sign-in, if any.
func (c *Client) PlayerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

type signInRequest struct {
	Attributes models.Attributes `json:"attributes,omitempty"`
}

type signInResponse struct {
	PlayerID   string            `json:"playerId"`
	Token      string            `json:"token"`
	Attributes models.Attributes `json:"attributes,omitempty"`
}

// SignInAnonymously obtains a fresh player id and token. The token is used by
// every later call.
func (c *Client) SignInAnonymously(ctx context.Context, attrs models.Attributes) (models.Player, error) {
	const op = "sign_in"
	var out signInResponse
	if err := c.do(ctx, op, "", http.MethodPost, "/auth/anonymous", signInRequest{Attributes: attrs}, &out); err != nil {
		var terr *TransportError
		if errors.As(err, &terr) || errors.Is(err, auth.ErrAuth) {
			return models.Player{}, err
		}
		return models.Player{}, fmt.Errorf("%w: %v", auth.ErrAuth, err)
	}
	if out.PlayerID == "" || out.Token == "" {
		return models.Player{}, fmt.Errorf("%w: empty sign-in response", auth.ErrAuth)
	}

	c.mu.Lock()
	c.token, c.playerID = out.Token, out.PlayerID
	c.mu.Unlock()
	return models.Player{ID: out.PlayerID, Attributes: out.Attributes}, nil
}

// SignIn makes the client an auth.Provider.
func (c *Client) SignIn(ctx context.Context) (models.Player, error) {
	return c.SignInAnonymously(ctx, nil)
}

// CreateLobby creates a lobby hosted by creator.
func (c *Client) CreateLobby(ctx context.Context, name string, maxPlayers int, isPrivate bool, creator models.Player, attrs models.Attributes) (*models.Lobby, error) {
	req := models.CreateLobbyRequest{
		Name:       name,
		MaxPlayers: maxPlayers,
		IsPrivate:  isPrivate,
		Attributes: attrs,
		Player:     &creator,
	}
	var l models.Lobby
	if err := c.do(ctx, "create_lobby", "", http.MethodPost, "/lobbies", req, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLobbies queries the public directory.
func (c *Client) ListLobbies(ctx context.Context, opts lobby.QueryOptions) ([]models.DirectoryEntry, error) {
	q := url.Values{}
	for _, f := range opts.Filters {
		q.Add("filter", f.String())
	}
	if len(opts.Order) > 0 {
		parts := make([]string, len(opts.Order))
		for i, o := range opts.Order {
			parts[i] = o.String()
		}
		q.Set("order", strings.Join(parts, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Skip > 0 {
		q.Set("skip", strconv.Itoa(opts.Skip))
	}
	path := "/lobbies"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out models.LobbyList
	if err := c.do(ctx, "list_lobbies", "", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// GetLobby fetches the lobby as the token subject may see it.
func (c *Client) GetLobby(ctx context.Context, lobbyID, callerID string) (*models.Lobby, error) {
	var l models.Lobby
	if err := c.do(ctx, "get_lobby", lobbyID, http.MethodGet, lobbyPath(lobbyID), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// JoinLobbyByID joins a lobby by id.
func (c *Client) JoinLobbyByID(ctx context.Context, lobbyID string, player models.Player) (*models.Lobby, error) {
	var l models.Lobby
	err := c.do(ctx, "join_lobby", lobbyID, http.MethodPost, lobbyPath(lobbyID)+"/join", models.JoinRequest{Player: &player}, &l)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// JoinLobbyByCode joins the lobby holding code.
func (c *Client) JoinLobbyByCode(ctx context.Context, code string, player models.Player) (*models.Lobby, error) {
	var l models.Lobby
	err := c.do(ctx, "join_lobby_by_code", "", http.MethodPost, "/lobbies/code/"+url.PathEscape(code)+"/join", models.JoinRequest{Player: &player}, &l)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// QuickJoinLobby joins any open lobby matching filters.
func (c *Client) QuickJoinLobby(ctx context.Context, player models.Player, filters []lobby.Filter) (*models.Lobby, error) {
	req := models.QuickJoinRequest{Player: &player}
	for _, f := range filters {
		req.Filters = append(req.Filters, f.String())
	}
	var l models.Lobby
	if err := c.do(ctx, "quick_join", "", http.MethodPost, "/lobbies/quickjoin", req, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateLobby patches lobby attributes and/or transfers host authority.
func (c *Client) UpdateLobby(ctx context.Context, lobbyID, callerID string, patch models.AttributePatch, newHostID string) (*models.Lobby, error) {
	var l models.Lobby
	req := models.UpdateLobbyRequest{Attributes: patch, HostID: newHostID}
	if err := c.do(ctx, "update_lobby", lobbyID, http.MethodPatch, lobbyPath(lobbyID), req, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdatePlayer patches the attributes of playerID.
func (c *Client) UpdatePlayer(ctx context.Context, lobbyID, callerID, playerID string, patch models.AttributePatch) (*models.Lobby, error) {
	var l models.Lobby
	path := lobbyPath(lobbyID) + "/players/" + url.PathEscape(playerID)
	if err := c.do(ctx, "update_player", lobbyID, http.MethodPatch, path, models.UpdatePlayerRequest{Attributes: patch}, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// RemovePlayer leaves (own id) or kicks targetID.
func (c *Client) RemovePlayer(ctx context.Context, lobbyID, callerID, targetID string) error {
	path := lobbyPath(lobbyID) + "/players/" + url.PathEscape(targetID)
	return c.do(ctx, "remove_player", lobbyID, http.MethodDelete, path, nil, nil)
}

// SendHeartbeat keeps the lobby alive.
func (c *Client) SendHeartbeat(ctx context.Context, lobbyID, callerID string) error {
	return c.do(ctx, "heartbeat", lobbyID, http.MethodPost, lobbyPath(lobbyID)+"/heartbeat", nil, nil)
}

// DeleteLobby removes the lobby.
func (c *Client) DeleteLobby(ctx context.Context, lobbyID, callerID string) error {
	return c.do(ctx, "delete_lobby", lobbyID, http.MethodDelete, lobbyPath(lobbyID), nil, nil)
}

// Watch opens the lobby's event stream. The channel closes when the server
// ends the stream or cancel is called.
func (c *Client) Watch(ctx context.Context, lobbyID, callerID string) (<-chan models.LobbyEvent, func(), error) {
	const op = "watch"
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + lobbyPath(lobbyID) + "/ws"

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{watchSubprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, nil, decodeError(op, lobbyID, resp)
		}
		return nil, nil, &TransportError{Op: op, Err: err}
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	events := make(chan models.LobbyEvent, 16)
	go func() {
		defer close(events)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(streamCtx)
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && streamCtx.Err() == nil {
					c.logger.WithError(err).WithField("lobby", lobbyID).Debug("lobby watch ended")
				}
				return
			}
			var ev models.LobbyEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.WithError(err).Warn("dropping malformed lobby event")
				continue
			}
			select {
			case events <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelStream()
			conn.Close(websocket.StatusNormalClosure, "")
		})
	}
	return events, cancel, nil
}

func lobbyPath(lobbyID string) string {
	return "/lobbies/" + url.PathEscape(lobbyID)
}

// do performs one JSON request. Non-2xx replies become *lobby.OpError
// wrapping the sentinel named by the error code.
func (c *Client) do(ctx context.Context, op, lobbyID, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return lobby.WrapOp(op, lobbyID, fmt.Errorf("%w: %v", lobby.ErrInvalidRequest, err))
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return lobby.WrapOp(op, lobbyID, fmt.Errorf("%w: %v", lobby.ErrInvalidRequest, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(op, lobbyID, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Op      string `json:"op"`
		LobbyID string `json:"lobbyId"`
	} `json:"error"`
}

func decodeError(op, lobbyID string, resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &TransportError{Op: op, Err: ErrRateLimited}
	}

	var env errorEnvelope
	json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)
	if env.Error.Op != "" {
		op = env.Error.Op
	}
	if env.Error.LobbyID != "" {
		lobbyID = env.Error.LobbyID
	}

	var cause error
	switch {
	case env.Error.Code == "unauthorized" || resp.StatusCode == http.StatusUnauthorized:
		cause = fmt.Errorf("%w: %s", auth.ErrAuth, env.Error.Message)
	case lobby.FromCode(env.Error.Code) != nil:
		cause = lobby.FromCode(env.Error.Code)
	case env.Error.Code == "" && resp.StatusCode == http.StatusNotFound:
		cause = lobby.ErrNotFound
	case env.Error.Code == "" && resp.StatusCode == http.StatusForbidden:
		cause = lobby.ErrNotAuthorized
	case resp.StatusCode >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, env.Error.Message)}
	default:
		cause = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, env.Error.Message)
	}
	return &lobby.OpError{Op: op, LobbyID: lobbyID, Err: cause}
}
