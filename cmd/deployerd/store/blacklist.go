package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/textileio/deploy-core/cmd/deployerd/store/internal/db"
	"github.com/textileio/deploy-core/deployer"
)

// UpsertBlacklistEntry adds a provider to the blacklist, or refreshes the
// reason and expiry of an existing entry.
func (s *Store) UpsertBlacklistEntry(ctx context.Context, e deployer.BlacklistEntry) error {
	if e.ProviderID == "" {
		return errors.New("provider id is empty")
	}
	var expiresAt sql.NullTime
	if !e.Permanent() {
		expiresAt = sql.NullTime{Time: e.ExpiresAt, Valid: true}
	}
	if err := s.db.UpsertBlacklistEntry(ctx, db.UpsertBlacklistEntryParams{
		ProviderID: e.ProviderID,
		Reason:     e.Reason,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return fmt.Errorf("upserting blacklist entry: %s", err)
	}
	return nil
}

// IsBlacklisted returns true if the provider has an entry that is permanent or
// expires after now.
func (s *Store) IsBlacklisted(ctx context.Context, providerID string, now time.Time) (bool, error) {
	ok, err := s.db.IsProviderBlacklisted(ctx, db.IsProviderBlacklistedParams{
		ProviderID: providerID,
		Now:        now,
	})
	if err != nil {
		return false, fmt.Errorf("querying blacklist: %s", err)
	}
	return ok, nil
}

// ListBlacklist returns the entries in effect at now.
func (s *Store) ListBlacklist(ctx context.Context, now time.Time) ([]deployer.BlacklistEntry, error) {
	rows, err := s.db.ListActiveBlacklistEntries(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing blacklist: %s", err)
	}
	ret := make([]deployer.BlacklistEntry, len(rows))
	for i, r := range rows {
		ret[i] = deployer.BlacklistEntry{
			ProviderID: r.ProviderID,
			Reason:     r.Reason,
			CreatedAt:  r.CreatedAt,
		}
		if r.ExpiresAt.Valid {
			ret[i].ExpiresAt = r.ExpiresAt.Time
		}
	}
	return ret, nil
}

// DeleteExpiredBlacklistEntries removes entries that expired at or before now
// and returns how many were removed.
func (s *Store) DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.DeleteExpiredBlacklistEntries(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired entries: %s", err)
	}
	return n, nil
}
