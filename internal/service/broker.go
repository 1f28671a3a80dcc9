// Package service implements the broker's token lifecycle: the one-time
// credential exchange and the per-request verify/reuse/rotate decision.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/store"
	"github.com/keygate/keygate/internal/token"
)

var (
	// ErrInvalidUpstreamKey means the submitted upstream key does not match
	// the accepted shape. Reported before any store access.
	ErrInvalidUpstreamKey = errors.New("invalid upstream key")

	// ErrNotAuthorized means the request carried no usable token.
	ErrNotAuthorized = errors.New("not authorized")
)

// upstreamKeyRe is the accepted shape for upstream API keys.
var upstreamKeyRe = regexp.MustCompile(`^(sk|pk|org)-\w+$`)

// ValidUpstreamKey reports whether key matches the accepted upstream key
// shape.
func ValidUpstreamKey(key string) bool {
	return upstreamKeyRe.MatchString(key)
}

// Outcome describes what the credential exchange did.
type Outcome string

const (
	// OutcomeAdded means no active token existed and a new one was minted.
	OutcomeAdded Outcome = "added"
	// OutcomeAccepted means the existing active token is still valid and was
	// returned unchanged.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeUpdated means the active token had expired and was replaced in
	// place.
	OutcomeUpdated Outcome = "updated"
)

// ExchangeResult is the outcome of a credential exchange together with the
// token the client should use from now on.
type ExchangeResult struct {
	Outcome Outcome
	Token   string
}

// Grant is the outcome of a successful guard decision: the upstream key to
// use for the rest of the request and the token the client should present
// next time (rotated or not).
type Grant struct {
	UpstreamKey string
	Token       string
	Rotated     bool
}

// Broker owns the token lifecycle. All methods are safe for concurrent use;
// rotation writes are conditional on the expected prior token value so two
// racing rotations cannot both land.
type Broker struct {
	store  store.TokenStore
	codec  *token.Codec
	ttl    time.Duration
	logger *slog.Logger
}

// NewBroker wires the broker. ttl is the lifetime of every minted token.
func NewBroker(st store.TokenStore, codec *token.Codec, ttl time.Duration, logger *slog.Logger) *Broker {
	return &Broker{store: st, codec: codec, ttl: ttl, logger: logger}
}

// Exchange handles first contact: the client submits the raw upstream key
// and receives a signed token. Key shape is validated before any store
// access. Exactly one active token exists afterwards.
//
// Calling Exchange again while the active token is still valid returns the
// same token ("accepted"); once it has expired the row is overwritten in
// place ("updated").
func (b *Broker) Exchange(ctx context.Context, upstreamKey string) (*ExchangeResult, error) {
	if !ValidUpstreamKey(upstreamKey) {
		return nil, ErrInvalidUpstreamKey
	}

	active, err := b.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}

	if len(active) == 0 {
		signed, err := b.codec.Sign(upstreamKey, b.ttl)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		if _, err := b.store.Insert(ctx, signed); err != nil {
			return nil, fmt.Errorf("save token: %w", err)
		}
		b.logger.Info("token minted", "token", abbrev(signed))
		return &ExchangeResult{Outcome: OutcomeAdded, Token: signed}, nil
	}

	// The most recently used active row is authoritative.
	current := active[0]
	_, verr := b.codec.Verify(current.Token)
	switch {
	case verr == nil:
		return &ExchangeResult{Outcome: OutcomeAccepted, Token: current.Token}, nil

	case errors.Is(verr, token.ErrTokenExpired):
		signed, err := b.codec.Sign(upstreamKey, b.ttl)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		if err := b.store.Replace(ctx, current.Token, signed); err != nil {
			return nil, fmt.Errorf("replace expired token: %w", err)
		}
		b.logger.Info("expired token replaced", "old", abbrev(current.Token), "new", abbrev(signed))
		return &ExchangeResult{Outcome: OutcomeUpdated, Token: signed}, nil

	default:
		// An unverifiable token should never have been persisted. Archive
		// the bad row and start over.
		b.logger.Warn("archiving unverifiable stored token", "token", abbrev(current.Token))
		if err := b.store.Archive(ctx, current.Token); err != nil {
			return nil, fmt.Errorf("archive bad token: %w", err)
		}
		signed, err := b.codec.Sign(upstreamKey, b.ttl)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		if _, err := b.store.Insert(ctx, signed); err != nil {
			return nil, fmt.Errorf("save token: %w", err)
		}
		return &ExchangeResult{Outcome: OutcomeAdded, Token: signed}, nil
	}
}

// Authorize is the per-request guard decision. It verifies the inbound
// token, consults the stored current token, and reuses, rotates, or rejects:
//
//   - no token, or a token whose signature does not verify: ErrNotAuthorized.
//   - valid token equal to the stored current one: reuse, bump last_access.
//   - valid token different from the stored current one: the store wins;
//     a fresh token is minted from the inbound claim and overwrites the
//     current row.
//   - valid token with nothing stored: the inbound claim seeds a new row.
//   - expired token that IS the stored current one: recovered by rotation.
//     Expired and unknown to the store: rejected.
//
// Store failures propagate so the caller can refuse the request; a request
// never proceeds without a persisted rotation outcome.
func (b *Broker) Authorize(ctx context.Context, rawToken string) (*Grant, error) {
	if rawToken == "" {
		return nil, ErrNotAuthorized
	}

	claims, verr := b.codec.Verify(rawToken)
	if verr != nil {
		if !errors.Is(verr, token.ErrTokenExpired) {
			return nil, ErrNotAuthorized
		}
		// Expired but authentically signed; the claims are still needed to
		// decide whether rotation can recover the request.
		var perr error
		claims, perr = b.codec.PeekClaims(rawToken)
		if perr != nil {
			return nil, ErrNotAuthorized
		}
	}

	current, err := b.store.Latest(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("read current token: %w", err)
		}
		current = nil
	}

	switch {
	case current == nil:
		if verr != nil {
			// Expired and nothing stored to rotate against.
			return nil, ErrNotAuthorized
		}
		if _, err := b.store.Insert(ctx, rawToken); err != nil {
			if errors.Is(err, store.ErrConstraint) {
				// The token value already exists. Either a concurrent first
				// request just inserted it (fine, reuse), or the row is
				// archived, meaning this token was explicitly revoked.
				if cur, lerr := b.store.Latest(ctx); lerr == nil && cur.Token == rawToken {
					return &Grant{UpstreamKey: claims.UpstreamKey, Token: rawToken}, nil
				}
				return nil, ErrNotAuthorized
			}
			return nil, fmt.Errorf("save token: %w", err)
		}
		b.logger.Info("token adopted", "token", abbrev(rawToken))
		return &Grant{UpstreamKey: claims.UpstreamKey, Token: rawToken}, nil

	case verr == nil && rawToken == current.Token:
		if err := b.store.Touch(ctx, rawToken); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("touch token: %w", err)
		}
		return &Grant{UpstreamKey: claims.UpstreamKey, Token: rawToken}, nil

	case errors.Is(verr, token.ErrTokenExpired) && rawToken != current.Token:
		// Superseded AND expired: the claim is too stale to honor.
		return nil, ErrNotAuthorized

	default:
		// Either a still-valid but superseded token, or the expired current
		// token. Both recover the same way: re-mint from the inbound
		// token's claim and overwrite the current row.
		return b.rotate(ctx, claims.UpstreamKey, current.Token)
	}
}

// rotate mints a fresh token carrying upstreamKey and overwrites the row
// holding expected. When the conditional write loses a race, the winner's
// row is re-read and reused instead of failing the request.
func (b *Broker) rotate(ctx context.Context, upstreamKey, expected string) (*Grant, error) {
	minted, err := b.codec.Sign(upstreamKey, b.ttl)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	err = b.store.Replace(ctx, expected, minted)
	if err == nil {
		b.logger.Info("token rotated", "old", abbrev(expected), "new", abbrev(minted))
		return &Grant{UpstreamKey: upstreamKey, Token: minted, Rotated: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("rotate token: %w", err)
	}

	// Lost the race: someone else rotated first. Their row is authoritative.
	winner, werr := b.store.Latest(ctx)
	if werr != nil {
		return nil, fmt.Errorf("re-read after rotation race: %w", werr)
	}
	if _, verr := b.codec.Verify(winner.Token); verr != nil {
		return nil, ErrNotAuthorized
	}
	return &Grant{UpstreamKey: upstreamKey, Token: winner.Token, Rotated: true}, nil
}

// Revoke archives the active row whose token ends with the given suffix
// (the signature tail shown by the CLI). Archival is the explicit-invalidation
// path; rotation never archives.
func (b *Broker) Revoke(ctx context.Context, tokenSuffix string) (int64, error) {
	n, err := b.store.ArchiveBySuffix(ctx, tokenSuffix)
	if err != nil {
		return 0, fmt.Errorf("revoke token: %w", err)
	}
	if n > 0 {
		b.logger.Info("token revoked", "token", tokenSuffix, "rows", n)
	}
	return n, nil
}

// abbrev is the log-safe short form of a token, its signature tail.
func abbrev(tok string) string {
	return model.AbbrevToken(tok)
}
