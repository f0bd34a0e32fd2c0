package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

// PoolOptions holds optional dependencies for a Pool.
type PoolOptions struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics is optional; nil disables pool metrics.
	Metrics *metrics.Registry
}

// Pool is the set of credentials the gateway rotates through.
//
// All methods are safe for concurrent use. The pool lock is never held across
// a login or a store write.
type Pool struct {
	mu      sync.Mutex
	creds   []*Credential
	cookies map[string]string
	cursor  int
	version uint64

	// persistMu orders store writes; saved is the newest version written.
	persistMu sync.Mutex
	saved     uint64

	store     Store
	auth      Authenticator
	refreshes singleflight.Group

	log     *slog.Logger
	metrics *metrics.Registry
}

// NewPool creates an empty pool. Call Load to populate it from the store.
// store and auth may be nil in tests: a nil store skips persistence and a nil
// authenticator fails every refresh.
func NewPool(store Store, auth Authenticator, opts PoolOptions) *Pool {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cookies: make(map[string]string),
		store:   store,
		auth:    auth,
		log:     log,
		metrics: opts.Metrics,
	}
}

// Load replaces the in-memory pool with the stored state. The round-robin
// cursor is kept so a reload does not restart the rotation. A mutation that
// commits while the store is being read wins: the state read is dropped, and
// the mutation's own write brings the store up to date.
func (p *Pool) Load(ctx context.Context) error {
	_, err := p.load(ctx)
	return err
}

func (p *Pool) load(ctx context.Context) (bool, error) {
	if p.store == nil {
		return false, nil
	}
	p.mu.Lock()
	before := p.version
	p.mu.Unlock()

	st, err := p.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("credentials: load: %w", err)
	}

	p.mu.Lock()
	if p.version != before {
		p.mu.Unlock()
		p.log.Debug("credentials_load_superseded",
			slog.Uint64("read_at", before),
			slog.Uint64("current", p.currentVersion()),
		)
		return false, nil
	}
	p.creds = p.creds[:0]
	for _, c := range st.Credentials {
		if c.Identifier == "" {
			continue
		}
		c := c
		p.creds = append(p.creds, &c)
	}
	p.cookies = make(map[string]string, len(st.CommonCookies))
	maps.Copy(p.cookies, st.CommonCookies)
	enabled := p.enabledCountLocked()
	total := len(p.creds)
	p.mu.Unlock()

	p.reportEnabled(enabled)
	p.log.Info("credentials loaded",
		slog.Int("total", total),
		slog.Int("enabled", enabled),
	)
	return true, nil
}

// changeDetector is implemented by stores that can tell whether their
// content differs from what this process last read or wrote.
type changeDetector interface {
	Changed() (bool, error)
}

// Reload loads the store again when it was changed by another writer. It
// reports whether the in-memory pool was replaced. The pool's own writes
// are recognised and skipped.
func (p *Pool) Reload(ctx context.Context) (bool, error) {
	if d, ok := p.store.(changeDetector); ok {
		changed, err := d.Changed()
		if err != nil {
			return false, fmt.Errorf("credentials: reload: %w", err)
		}
		if !changed {
			return false, nil
		}
	}
	return p.load(ctx)
}

// Acquire returns the next enabled credential in round-robin order. The
// modulo is taken over the enabled set as it is right now, so credentials
// disabled or added between calls are accounted for immediately.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	enabled := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	if len(enabled) == 0 {
		return Credential{}, ErrNoCredentialAvailable
	}

	idx := p.cursor % len(enabled)
	p.cursor = idx + 1
	return *enabled[idx], nil
}

// Refresh re-authenticates identifier with its stored secret and returns the
// updated credential. Concurrent refreshes of the same identifier share one
// login. A rejected login disables the credential and returns
// ErrAuthenticationFailed.
func (p *Pool) Refresh(ctx context.Context, identifier string) (Credential, error) {
	v, err, shared := p.refreshes.Do(identifier, func() (any, error) {
		return p.refresh(ctx, identifier)
	})
	if shared {
		p.log.DebugContext(ctx, "credential_refresh_shared", slog.String("identifier", identifier))
	}
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (p *Pool) refresh(ctx context.Context, identifier string) (Credential, error) {
	p.mu.Lock()
	c := p.findLocked(identifier)
	if c == nil {
		p.mu.Unlock()
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	secret := c.Secret
	p.mu.Unlock()

	if p.auth == nil {
		return Credential{}, fmt.Errorf("%w: %s: no authenticator configured", ErrAuthenticationFailed, identifier)
	}

	sess, err := p.auth.Login(ctx, identifier, secret)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Credential{}, ctxErr
		}
		p.recordRefresh("failed")
		p.log.WarnContext(ctx, "credential_refresh_failed",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()),
		)
		if derr := p.SetEnabled(ctx, identifier, false); derr != nil && !errors.Is(derr, ErrNotFound) {
			p.log.ErrorContext(ctx, "credential_disable_failed",
				slog.String("identifier", identifier),
				slog.String("error", derr.Error()),
			)
		}
		return Credential{}, fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, identifier, err)
	}

	p.mu.Lock()
	c = p.findLocked(identifier)
	if c == nil {
		p.mu.Unlock()
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	c.SessionToken = sess.Token
	c.SessionCookie = sess.Cookie
	c.ExpiresAt = sess.ExpiresAt
	out := *c
	st, ver := p.snapshotLocked()
	p.mu.Unlock()

	p.recordRefresh("ok")
	p.log.InfoContext(ctx, "credential_refreshed", slog.String("identifier", identifier))

	if err := p.persist(ctx, st, ver); err != nil {
		return out, err
	}
	return out, nil
}

// Login authenticates identifier and stores the resulting session, adding the
// credential when it is new. The stored credential is enabled.
func (p *Pool) Login(ctx context.Context, identifier, secret string) (Credential, error) {
	if identifier == "" || secret == "" {
		return Credential{}, fmt.Errorf("credentials: identifier and secret are required")
	}
	if p.auth == nil {
		return Credential{}, fmt.Errorf("%w: no authenticator configured", ErrAuthenticationFailed)
	}
	sess, err := p.auth.Login(ctx, identifier, secret)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, identifier, err)
	}
	c := Credential{
		Identifier:    identifier,
		Secret:        secret,
		SessionToken:  sess.Token,
		SessionCookie: sess.Cookie,
		ExpiresAt:     sess.ExpiresAt,
		Enabled:       true,
	}
	if err := p.Upsert(ctx, c); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Upsert inserts c or replaces the stored credential with the same
// identifier, keeping its position in the rotation.
func (p *Pool) Upsert(ctx context.Context, c Credential) error {
	if c.Identifier == "" {
		return fmt.Errorf("credentials: identifier is required")
	}
	p.mu.Lock()
	if existing := p.findLocked(c.Identifier); existing != nil {
		*existing = c
	} else {
		p.creds = append(p.creds, &c)
	}
	st, ver := p.snapshotLocked()
	enabled := p.enabledCountLocked()
	p.mu.Unlock()

	p.reportEnabled(enabled)
	return p.persist(ctx, st, ver)
}

// Disable marks identifier as unusable until it is enabled again.
func (p *Pool) Disable(ctx context.Context, identifier string) error {
	return p.SetEnabled(ctx, identifier, false)
}

// SetEnabled toggles whether identifier takes part in the rotation.
func (p *Pool) SetEnabled(ctx context.Context, identifier string, enabled bool) error {
	p.mu.Lock()
	c := p.findLocked(identifier)
	if c == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	c.Enabled = enabled
	st, ver := p.snapshotLocked()
	n := p.enabledCountLocked()
	p.mu.Unlock()

	p.reportEnabled(n)
	return p.persist(ctx, st, ver)
}

// Remove deletes identifier from the pool.
func (p *Pool) Remove(ctx context.Context, identifier string) error {
	p.mu.Lock()
	idx := -1
	for i, c := range p.creds {
		if c.Identifier == identifier {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	p.creds = append(p.creds[:idx], p.creds[idx+1:]...)
	st, ver := p.snapshotLocked()
	n := p.enabledCountLocked()
	p.mu.Unlock()

	p.reportEnabled(n)
	return p.persist(ctx, st, ver)
}

// Get returns a copy of the credential stored under identifier.
func (p *Pool) Get(identifier string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.findLocked(identifier)
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// List returns a copy of every credential in rotation order.
func (p *Pool) List() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Credential, len(p.creds))
	for i, c := range p.creds {
		out[i] = *c
	}
	return out
}

// EnabledCount returns the number of credentials currently in rotation.
func (p *Pool) EnabledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabledCountLocked()
}

// CommonCookies returns a copy of the cookies merged into every backend request.
func (p *Pool) CommonCookies() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.cookies)
}

// SetCommonCookies replaces the common cookies.
func (p *Pool) SetCommonCookies(ctx context.Context, cookies map[string]string) error {
	p.mu.Lock()
	p.cookies = make(map[string]string, len(cookies))
	for k, v := range cookies {
		if k != "" {
			p.cookies[k] = v
		}
	}
	st, ver := p.snapshotLocked()
	p.mu.Unlock()

	return p.persist(ctx, st, ver)
}

// ── Private helpers ──────────────────────────────────────────────────────────

func (p *Pool) findLocked(identifier string) *Credential {
	for _, c := range p.creds {
		if c.Identifier == identifier {
			return c
		}
	}
	return nil
}

func (p *Pool) currentVersion() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *Pool) enabledCountLocked() int {
	n := 0
	for _, c := range p.creds {
		if c.Enabled {
			n++
		}
	}
	return n
}

// snapshotLocked copies the pool state and bumps the version. Caller holds mu.
func (p *Pool) snapshotLocked() (State, uint64) {
	st := State{
		Credentials:   make([]Credential, len(p.creds)),
		CommonCookies: maps.Clone(p.cookies),
	}
	for i, c := range p.creds {
		st.Credentials[i] = *c
	}
	p.version++
	return st, p.version
}

// persist writes st unless a newer snapshot was already written. A write that
// has begun is not cancelled by ctx.
func (p *Pool) persist(ctx context.Context, st State, ver uint64) error {
	if p.store == nil {
		return nil
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	if ver <= p.saved {
		return nil
	}
	if err := p.store.Save(context.WithoutCancel(ctx), st); err != nil {
		p.log.ErrorContext(ctx, "credentials_persist_failed", slog.String("error", err.Error()))
		return fmt.Errorf("credentials: persist: %w", err)
	}
	p.saved = ver
	return nil
}

func (p *Pool) reportEnabled(n int) {
	if p.metrics != nil {
		p.metrics.SetCredentialsEnabled(n)
	}
}

func (p *Pool) recordRefresh(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordCredentialRefresh(outcome)
	}
}
