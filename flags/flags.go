// Package flags exposes the feature-flag collaborator as a static snapshot
// of boolean switches read once at startup.
package flags

import (
	"os"
	"strconv"

	"github.com/Fantasy-programming/nuts-offline/document"
	"github.com/joho/godotenv"
)

// Snapshot is the immutable flag state components are constructed with.
type Snapshot struct {
	OfflineFirstEnabled bool
	Transactions        bool
	Accounts            bool
	Categories          bool
	SyncEnabled         bool
	ForcedOffline       bool
}

// Default enables the offline-first path and sync for every entity.
func Default() Snapshot {
	return Snapshot{
		OfflineFirstEnabled: true,
		Transactions:        true,
		Accounts:            true,
		Categories:          true,
		SyncEnabled:         true,
	}
}

// FromEnv reads NUTS_OFFLINE_* variables, loading a .env file first when
// present. Unset variables keep their Default() value.
func FromEnv() Snapshot {
	_ = godotenv.Load()

	s := Default()
	s.OfflineFirstEnabled = envBool("NUTS_OFFLINE_ENABLED", s.OfflineFirstEnabled)
	s.Transactions = envBool("NUTS_OFFLINE_TRANSACTIONS", s.Transactions)
	s.Accounts = envBool("NUTS_OFFLINE_ACCOUNTS", s.Accounts)
	s.Categories = envBool("NUTS_OFFLINE_CATEGORIES", s.Categories)
	s.SyncEnabled = envBool("NUTS_OFFLINE_SYNC", s.SyncEnabled)
	s.ForcedOffline = envBool("NUTS_OFFLINE_FORCED", s.ForcedOffline)
	return s
}

// EntityEnabled reports whether the offline-first path handles a collection.
func (s Snapshot) EntityEnabled(c document.Collection) bool {
	if !s.OfflineFirstEnabled {
		return false
	}
	switch c {
	case document.Transactions:
		return s.Transactions
	case document.Accounts:
		return s.Accounts
	case document.Categories:
		return s.Categories
	}
	return false
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
