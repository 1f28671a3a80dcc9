package model

import "time"

// TokenRecord is the single persisted entity: one signed broker token and
// its lifecycle timestamps. Timestamps are epoch milliseconds to keep the
// column representation identical across store backends. Archived rows are
// excluded from every lookup path but kept for audit.
type TokenRecord struct {
	ID         int64  `json:"id" db:"id"`
	Token      string `json:"-" db:"token"` // signed JWT, never expose in list output
	CreatedAt  int64  `json:"created_at" db:"created_at"`
	UpdatedAt  int64  `json:"updated_at" db:"updated_at"`
	LastAccess int64  `json:"last_access" db:"last_access"`
	Archived   bool   `json:"archived" db:"archived"`
}

// Abbrev returns the last eight characters of the token for log and CLI
// output. JWTs all share the same header prefix, so the signature tail is
// the distinguishing part. The full token value is a bearer credential and
// is treated like a password everywhere outside the store.
func (r TokenRecord) Abbrev() string {
	return AbbrevToken(r.Token)
}

// AbbrevToken is Abbrev for a bare token string.
func AbbrevToken(tok string) string {
	if len(tok) <= 8 {
		return tok
	}
	return tok[len(tok)-8:]
}

// CreatedTime returns CreatedAt as a time.Time.
func (r TokenRecord) CreatedTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// NowMilli returns the current time in epoch milliseconds, the unit used by
// every TokenRecord timestamp column.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}
