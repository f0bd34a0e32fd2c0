package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/pkg/apierr"
)

const adminTimeout = 30 * time.Second

// accountView is a credential without its secrets.
type accountView struct {
	Identifier string `json:"identifier"`
	Enabled    bool   `json:"enabled"`
	HasSession bool   `json:"has_session"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

func viewOf(c credentials.Credential) accountView {
	return accountView{
		Identifier: c.Identifier,
		Enabled:    c.Enabled,
		HasSession: c.SessionToken != "" || c.SessionCookie != "",
		ExpiresAt:  c.ExpiresAt,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin signs in an account and adds it to the pool.
func (g *Gateway) handleLogin(ctx *fasthttp.RequestCtx) {
	var req loginRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		apierr.WriteInvalidRequest(ctx, "fields 'username' and 'password' are required")
		return
	}

	callCtx, cancel := context.WithTimeout(g.baseCtx, adminTimeout)
	defer cancel()

	cred, err := g.accounts.Login(callCtx, req.Username, req.Password)
	if err != nil {
		g.log.WarnContext(ctx, "account_login_failed",
			slog.String("account", req.Username),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, credentials.ErrAuthenticationFailed) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
				apierr.TypeAuthenticationErr, apierr.CodeUpstreamAuth)
			return
		}
		g.writeError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "account_login", slog.String("account", cred.Identifier))
	writeJSON(ctx, viewOf(cred))
}

// handleLogout removes an account from the pool.
func (g *Gateway) handleLogout(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("username").(string)

	callCtx, cancel := context.WithTimeout(g.baseCtx, adminTimeout)
	defer cancel()

	if err := g.accounts.Remove(callCtx, id); err != nil {
		g.writeError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "account_removed", slog.String("account", id))
	writeJSON(ctx, map[string]string{"removed": id})
}

func (g *Gateway) handleListAccounts(ctx *fasthttp.RequestCtx) {
	creds := g.accounts.List()
	out := make([]accountView, 0, len(creds))
	for _, c := range creds {
		out = append(out, viewOf(c))
	}
	writeJSON(ctx, map[string]any{"accounts": out})
}

type statusRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleAccountStatus enables or disables one account.
func (g *Gateway) handleAccountStatus(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("username").(string)

	var req statusRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Enabled == nil {
		apierr.WriteInvalidRequest(ctx, "field 'enabled' is required")
		return
	}

	callCtx, cancel := context.WithTimeout(g.baseCtx, adminTimeout)
	defer cancel()

	if err := g.accounts.SetEnabled(callCtx, id, *req.Enabled); err != nil {
		g.writeError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "account_status", slog.String("account", id), slog.Bool("enabled", *req.Enabled))
	writeJSON(ctx, map[string]any{"identifier": id, "enabled": *req.Enabled})
}

type cookiesBody struct {
	Cookies map[string]string `json:"cookies"`
}

func (g *Gateway) handleGetCookies(ctx *fasthttp.RequestCtx) {
	cookies := g.accounts.CommonCookies()
	if cookies == nil {
		cookies = map[string]string{}
	}
	writeJSON(ctx, cookiesBody{Cookies: cookies})
}

// handleSetCookies replaces the cookies sent with every backend request.
func (g *Gateway) handleSetCookies(ctx *fasthttp.RequestCtx) {
	var req cookiesBody
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Cookies == nil {
		apierr.WriteInvalidRequest(ctx, "field 'cookies' is required")
		return
	}

	callCtx, cancel := context.WithTimeout(g.baseCtx, adminTimeout)
	defer cancel()

	if err := g.accounts.SetCommonCookies(callCtx, req.Cookies); err != nil {
		g.writeError(ctx, err)
		return
	}
	writeJSON(ctx, cookiesBody{Cookies: g.accounts.CommonCookies()})
}
