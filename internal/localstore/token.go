package localstore

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/clubroll/clubroll/internal/localstore/kv"
)

// LoadToken returns the persisted auth token, or nil when signed out.
func (s *Store) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	var tok oauth2.Token
	ok, err := s.readKey(ctx, KeyAuthToken, &tok)
	if err != nil {
		return nil, &StorageError{Op: "load token", Key: KeyAuthToken, Err: err}
	}
	if !ok || tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, nil
	}
	return &tok, nil
}

// SaveToken persists tok.
func (s *Store) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil {
		return s.ClearToken(ctx)
	}
	err := s.db.Update(ctx, func(tx *kv.Tx) error {
		return putJSON(ctx, tx, KeyAuthToken, tok)
	})
	if err != nil {
		return &StorageError{Op: "save token", Key: KeyAuthToken, Err: err}
	}
	return nil
}

// ClearToken removes the persisted token.
func (s *Store) ClearToken(ctx context.Context) error {
	if err := s.db.Delete(ctx, KeyAuthToken); err != nil {
		return &StorageError{Op: "clear token", Key: KeyAuthToken, Err: err}
	}
	return nil
}
