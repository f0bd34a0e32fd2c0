package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
)

const (
	signinPath    = "v1/auths/signin"
	webAppBxV     = "2.5.28"
	webAppVersion = "0.0.57"
)

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login signs identifier in with secret. The web app posts the hex SHA-256 of
// the password, never the password itself. Login makes *Client usable as a
// credentials.Authenticator.
func (c *Client) Login(ctx context.Context, identifier, secret string) (credentials.Session, error) {
	sum := sha256.Sum256([]byte(secret))

	h := make(http.Header)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	h.Set("Origin", c.origin)
	h.Set("Referer", c.origin+"/auth?action=signin")
	h.Set("Source", "web")
	h.Set("bx-v", webAppBxV)
	h.Set("Version", webAppVersion)
	h.Set("X-Request-Id", uuid.NewString())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := newJSONRequest(ctx, http.MethodPost, c.url(signinPath), signinRequest{
		Email:    identifier,
		Password: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return credentials.Session{}, fmt.Errorf("backend: signin: %w", err)
	}
	for k, v := range h {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return credentials.Session{}, fmt.Errorf("backend: signin: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return credentials.Session{}, parseError("signin", resp)
	}

	body, err := readLimited(resp, maxJSONBody)
	if err != nil {
		return credentials.Session{}, fmt.Errorf("backend: signin: %w", err)
	}

	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		token = gjson.GetBytes(body, "data.token").String()
	}
	if token == "" {
		return credentials.Session{}, NewError("signin", resp.StatusCode, body)
	}
	expires := gjson.GetBytes(body, "expires_at").Int()
	if expires == 0 {
		expires = gjson.GetBytes(body, "data.expires_at").Int()
	}

	c.log.DebugContext(ctx, "backend_signin_ok", "identifier", identifier)

	return credentials.Session{
		Token:     token,
		Cookie:    sessionCookie(resp),
		ExpiresAt: expires,
	}, nil
}

// sessionCookie joins the name=value pairs of every Set-Cookie header,
// dropping attributes such as Path and Expires.
func sessionCookie(resp *http.Response) string {
	cookies := resp.Cookies()
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		if ck.Name == "" {
			continue
		}
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}
