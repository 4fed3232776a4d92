package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"roost/internal/domain"
	"roost/internal/endpoint"
	"roost/internal/identity"
	"roost/internal/protocol"
	"roost/internal/supervise"
)

// Client identifier candidates. The primary id is tried first unless a
// legacy installation marker is present; an env override replaces the whole
// list.
const (
	PrimaryClientID = "roost-desktop"
	LegacyClientID  = "roost-app"
	EnvClientID     = "ROOST_CLIENT_ID"

	legacyMarkerFile = "legacy-client"
)

// invalidClientIDCode is the rejection code that permits retrying the
// handshake with the next candidate id. Any other failure aborts.
const invalidClientIDCode = "invalid-client-id"

// ClientIDCandidates derives the ordered handshake id list for a state dir.
func ClientIDCandidates(stateDir string) []string {
	if v := strings.TrimSpace(os.Getenv(EnvClientID)); v != "" {
		return []string{v}
	}
	if _, err := os.Stat(filepath.Join(stateDir, legacyMarkerFile)); err == nil {
		return []string{LegacyClientID, PrimaryClientID}
	}
	return []string{PrimaryClientID, LegacyClientID}
}

// connect request/response shapes.

type clientDescriptor struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	Mode            string `json:"mode"`
	InstanceID      string `json:"instanceId"`
	DeviceFamily    string `json:"deviceFamily"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
}

type authBlock struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type deviceBlock struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

type connectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      clientDescriptor `json:"client"`
	Caps        []string         `json:"caps"`
	Locale      string           `json:"locale"`
	UserAgent   string           `json:"userAgent"`
	Role        string           `json:"role"`
	Scopes      []string         `json:"scopes"`
	Auth        *authBlock       `json:"auth,omitempty"`
	Device      *deviceBlock     `json:"device,omitempty"`
}

// establish resolves the endpoint, supervises a local daemon if applicable,
// and runs the handshake, retrying once per remaining candidate id when the
// server rejects the client id specifically.
func (c *Client) establish(ctx context.Context) error {
	ep, err := c.resolver.Endpoint()
	if err != nil {
		return &domain.ConnectError{Reason: "resolve endpoint", Err: err}
	}

	if c.starter != nil {
		status, err := c.starter.Ensure(ctx, ep.URL)
		if err != nil {
			return &domain.ConnectError{Reason: "daemon supervision", Err: err}
		}
		if status != supervise.StatusSkipped {
			c.logger.Debug("daemon supervision", "status", status.String())
		}
	}

	candidates := c.cfg.ClientIDs
	var lastErr error
	for i, clientID := range candidates {
		err := c.attempt(ctx, ep, clientID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isInvalidClientID(err) || i == len(candidates)-1 {
			break
		}
		c.logger.Warn("client id rejected, retrying handshake with fallback",
			"rejected_id", clientID, "next_id", candidates[i+1])
	}
	return lastErr
}

// attempt runs one full handshake over a fresh socket. On success the
// connection is installed and the background receive loop starts; on
// failure the socket is closed and nothing is installed.
func (c *Client) attempt(ctx context.Context, ep endpoint.Endpoint, clientID string) (err error) {
	// The whole handshake races this budget; whichever finishes first
	// cancels the other via the context.
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hsCtx, ep.URL, nil)
	if err != nil {
		return &domain.ConnectError{Reason: "dial " + ep.URL, Err: err}
	}
	conn.SetReadLimit(c.cfg.MaxFrameBytes)

	installed := false
	defer func() {
		if !installed {
			conn.Close(websocket.StatusNormalClosure, "handshake failed")
		}
	}()

	frames := make(chan protocol.Frame, 16)
	readErr := make(chan error, 1)
	go c.readPump(conn, frames, readErr)

	// Optional challenge: absence within the window means the server does
	// not require replay protection.
	c.transition(StateChallengeWait)
	nonce, err := awaitChallenge(hsCtx, frames, readErr, c.cfg.ChallengeWait)
	if err != nil {
		return err
	}

	c.transition(StateHandshaking)
	params, err := c.buildConnectParams(ep, clientID, nonce)
	if err != nil {
		return &domain.ConnectError{Reason: "build connect request", Err: err}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return &domain.ConnectError{Reason: "encode connect request", Err: err}
	}

	reqID := newRequestID()
	data, err := protocol.EncodeFrame(protocol.Request{ID: reqID, Method: "connect", Params: raw})
	if err != nil {
		return &domain.ConnectError{Reason: "encode connect frame", Err: err}
	}
	if err := conn.Write(hsCtx, websocket.MessageText, data); err != nil {
		return &domain.ConnectError{Reason: "send connect", Err: &domain.SendError{Err: err}}
	}

	resp, err := awaitResponse(hsCtx, frames, readErr, reqID)
	if err != nil {
		return err
	}
	if !resp.OK {
		reqErr := &domain.RequestError{Message: "connect rejected"}
		if resp.Err != nil {
			reqErr.Code = resp.Err.Code
			reqErr.Message = resp.Err.Message
		}
		return &domain.ConnectError{Reason: "handshake rejected", Err: reqErr}
	}

	hello, err := protocol.DecodeHello(resp.Payload)
	if err != nil {
		// Covers both a missing payload on ok=true and a malformed one.
		return &domain.ConnectError{Reason: "connect hello", Err: &domain.DecodeError{Detail: "connect hello", Err: err}}
	}
	if hello.Protocol != protocol.Version {
		return &domain.ConnectError{Reason: fmt.Sprintf("server negotiated unsupported protocol %d", hello.Protocol)}
	}

	if hello.Auth != nil && hello.Auth.DeviceToken != "" {
		c.persistIssuedToken(hello.Auth)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.hello = hello
	c.tick = hello.TickInterval()
	c.lastSeq = 0
	c.mu.Unlock()

	go c.dispatchLoop(gen, frames, readErr)
	installed = true
	c.logger.Info("gateway handshake complete",
		"client_id", clientID, "protocol", hello.Protocol, "challenged", nonce != "")
	return nil
}

func (c *Client) buildConnectParams(ep endpoint.Endpoint, clientID, nonce string) (*connectParams, error) {
	ident, err := c.ids.Identity()
	if err != nil {
		return nil, err
	}

	token := ep.AuthToken
	if token == "" {
		if rec, ok, err := c.ids.Token(c.cfg.Role); err == nil && ok {
			token = rec.Token
		}
	}

	signedAt := time.Now().UnixMilli()
	payload := identity.SignaturePayload(
		ident.ID, clientID, c.cfg.Mode, c.cfg.Role, c.cfg.Scopes, signedAt, token, nonce)
	signature, err := c.ids.Sign(payload)
	if err != nil {
		return nil, err
	}

	params := &connectParams{
		MinProtocol: protocol.Version,
		MaxProtocol: protocol.Version,
		Client: clientDescriptor{
			ID:              clientID,
			DisplayName:     c.cfg.DisplayName,
			Version:         c.cfg.Version,
			Platform:        c.cfg.Platform,
			Mode:            c.cfg.Mode,
			InstanceID:      c.cfg.InstanceID,
			DeviceFamily:    c.cfg.DeviceFamily,
			ModelIdentifier: c.cfg.ModelIdentifier,
		},
		Caps:      c.cfg.Caps,
		Locale:    c.cfg.Locale,
		UserAgent: c.cfg.UserAgent,
		Role:      c.cfg.Role,
		Scopes:    c.cfg.Scopes,
		Device: &deviceBlock{
			ID:        ident.ID,
			PublicKey: ident.PublicKeyBase64(),
			Signature: signature,
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}
	if token != "" {
		params.Auth = &authBlock{Token: token}
	} else if ep.Password != "" {
		params.Auth = &authBlock{Password: ep.Password}
	}
	return params, nil
}

func (c *Client) persistIssuedToken(auth *protocol.IssuedAuth) {
	role := auth.Role
	if role == "" {
		role = c.cfg.Role
	}
	rec := identity.TokenRecord{
		Token:      auth.DeviceToken,
		Role:       role,
		Scopes:     auth.Scopes,
		IssuedAtMs: time.Now().UnixMilli(),
	}
	if err := c.ids.SaveToken(rec); err != nil {
		c.logger.Warn("failed to persist issued device token", "role", role, "error", err)
	}
}

// awaitChallenge waits briefly for a connect.challenge push. Returning an
// empty nonce with nil error means the server skipped the challenge.
func awaitChallenge(ctx context.Context, frames <-chan protocol.Frame, readErr <-chan error, wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case fr := <-frames:
			ev, ok := fr.(protocol.Event)
			if !ok || ev.Name != EventConnectChallenge {
				continue
			}
			var p struct {
				Nonce string `json:"nonce"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return "", &domain.ConnectError{Reason: "challenge payload", Err: &domain.DecodeError{Detail: "challenge", Err: err}}
			}
			return p.Nonce, nil
		case err := <-readErr:
			return "", &domain.ConnectError{Reason: "connection lost awaiting challenge", Err: err}
		case <-timer.C:
			return "", nil
		case <-ctx.Done():
			return "", &domain.ConnectError{Reason: "connect timed out", Err: ctx.Err()}
		}
	}
}

// awaitResponse waits for the response matching id, ignoring every other
// frame that arrives first.
func awaitResponse(ctx context.Context, frames <-chan protocol.Frame, readErr <-chan error, id string) (protocol.Response, error) {
	for {
		select {
		case fr := <-frames:
			resp, ok := fr.(protocol.Response)
			if !ok || resp.ID != id {
				continue
			}
			return resp, nil
		case err := <-readErr:
			return protocol.Response{}, &domain.ConnectError{Reason: "connection lost awaiting connect response", Err: err}
		case <-ctx.Done():
			return protocol.Response{}, &domain.ConnectError{Reason: "connect timed out", Err: ctx.Err()}
		}
	}
}

// isInvalidClientID reports whether a handshake failure is the specific
// "client id rejected" case that allows trying the next candidate.
func isInvalidClientID(err error) bool {
	var reqErr *domain.RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	if reqErr.Code == invalidClientIDCode {
		return true
	}
	return strings.Contains(strings.ToLower(reqErr.Message), "client id")
}
