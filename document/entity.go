// Package document implements the canonical, mergeable local copy of all
// entities. It is the only writer of truth: every mutation (local puts and
// soft deletes, and remote snapshot merges during sync) goes through the
// Store, which serializes writes and persists an all-or-nothing snapshot.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Collection identifies one of the three entity collections.
type Collection string

const (
	Transactions Collection = "transactions"
	Accounts     Collection = "accounts"
	Categories   Collection = "categories"
)

// Collections lists every collection in a stable order.
var Collections = []Collection{Transactions, Accounts, Categories}

// Valid reports whether c names a known collection.
func (c Collection) Valid() bool {
	switch c {
	case Transactions, Accounts, Categories:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when an entity is absent or soft-deleted.
	ErrNotFound = errors.New("document: entity not found")
	// ErrValidation is returned when an entity fails field validation
	// before entering the store.
	ErrValidation = errors.New("document: invalid entity")
	// ErrStorage is returned when local persistence fails. The call that
	// produced it left in-memory state unchanged.
	ErrStorage = errors.New("document: storage failure")
)

// Meta carries the replication metadata embedded in every entity. ReplicaID
// records the device that produced this version; it breaks ties when two
// versions carry the same updated_at.
type Meta struct {
	ID        string     `json:"id" validate:"required"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	ReplicaID string     `json:"replica_id,omitempty"`
}

// EntityMeta returns the embedded metadata.
func (m *Meta) EntityMeta() *Meta { return m }

// Deleted reports whether this version is a tombstone.
func (m *Meta) Deleted() bool { return m.DeletedAt != nil }

func (m *Meta) cloneMeta() Meta {
	out := *m
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// Entity is one versioned record in a collection.
type Entity interface {
	EntityMeta() *Meta
	Collection() Collection
	Clone() Entity
}

// TransactionType classifies a transaction.
type TransactionType string

const (
	TypeExpense  TransactionType = "expense"
	TypeIncome   TransactionType = "income"
	TypeTransfer TransactionType = "transfer"
)

// Transaction mirrors the transaction schema of the remote authority.
type Transaction struct {
	Meta
	Amount               float64         `json:"amount"`
	TransactionDatetime  time.Time       `json:"transaction_datetime"`
	Description          string          `json:"description" validate:"required"`
	CategoryID           string          `json:"category_id,omitempty"`
	AccountID            string          `json:"account_id" validate:"required"`
	Type                 TransactionType `json:"type" validate:"required,oneof=expense income transfer"`
	DestinationAccountID string          `json:"destination_account_id,omitempty"`
	Currency             string          `json:"transaction_currency" validate:"required"`
	OriginalAmount       float64         `json:"original_amount"`
	IsExternal           bool            `json:"is_external"`
}

func (t *Transaction) Collection() Collection { return Transactions }

func (t *Transaction) Clone() Entity {
	out := *t
	out.Meta = t.Meta.cloneMeta()
	return &out
}

// Account is a money account (checking, savings, cash, ...).
type Account struct {
	Meta
	Name     string  `json:"name" validate:"required"`
	Type     string  `json:"type"`
	Currency string  `json:"currency" validate:"required"`
	Balance  float64 `json:"balance"`
	IsActive bool    `json:"is_active"`
}

func (a *Account) Collection() Collection { return Accounts }

func (a *Account) Clone() Entity {
	out := *a
	out.Meta = a.Meta.cloneMeta()
	return &out
}

// Category labels transactions; categories may nest via ParentID.
type Category struct {
	Meta
	Name     string `json:"name" validate:"required"`
	Color    string `json:"color" validate:"required"`
	Icon     string `json:"icon,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	IsActive bool   `json:"is_active"`
}

func (c *Category) Collection() Collection { return Categories }

func (c *Category) Clone() Entity {
	out := *c
	out.Meta = c.Meta.cloneMeta()
	return &out
}

// NewEntity returns an empty entity of the right type for a collection.
func NewEntity(c Collection) (Entity, error) {
	switch c {
	case Transactions:
		return &Transaction{}, nil
	case Accounts:
		return &Account{}, nil
	case Categories:
		return &Category{}, nil
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
}

// Decode unmarshals a wire payload into a typed entity for a collection.
func Decode(c Collection, data []byte) (Entity, error) {
	e, err := NewEntity(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", c, err)
	}
	return e, nil
}

// Document is the aggregate root: every entity of every collection, keyed by
// id. Tombstoned records stay in the maps for merge correctness; readers
// filter them out.
type Document struct {
	Transactions map[string]*Transaction `json:"transactions"`
	Accounts     map[string]*Account     `json:"accounts"`
	Categories   map[string]*Category    `json:"categories"`
}

// NewDocument returns an empty document with all collections allocated.
func NewDocument() *Document {
	return &Document{
		Transactions: map[string]*Transaction{},
		Accounts:     map[string]*Account{},
		Categories:   map[string]*Category{},
	}
}

func (d *Document) get(c Collection, id string) (Entity, bool) {
	switch c {
	case Transactions:
		e, ok := d.Transactions[id]
		return e, ok
	case Accounts:
		e, ok := d.Accounts[id]
		return e, ok
	case Categories:
		e, ok := d.Categories[id]
		return e, ok
	}
	return nil, false
}

// Set stores e under its id in collection c, replacing any existing entry.
func (d *Document) Set(c Collection, e Entity) error { return d.set(c, e) }

func (d *Document) set(c Collection, e Entity) error {
	id := e.EntityMeta().ID
	switch c {
	case Transactions:
		t, ok := e.(*Transaction)
		if !ok {
			return fmt.Errorf("collection %s cannot hold %T", c, e)
		}
		d.Transactions[id] = t
	case Accounts:
		a, ok := e.(*Account)
		if !ok {
			return fmt.Errorf("collection %s cannot hold %T", c, e)
		}
		d.Accounts[id] = a
	case Categories:
		cat, ok := e.(*Category)
		if !ok {
			return fmt.Errorf("collection %s cannot hold %T", c, e)
		}
		d.Categories[id] = cat
	default:
		return fmt.Errorf("unknown collection %q", c)
	}
	return nil
}

func (d *Document) remove(c Collection, id string) {
	switch c {
	case Transactions:
		delete(d.Transactions, id)
	case Accounts:
		delete(d.Accounts, id)
	case Categories:
		delete(d.Categories, id)
	}
}

// Each calls fn for every entity in a collection, tombstones included.
func (d *Document) Each(c Collection, fn func(Entity)) {
	switch c {
	case Transactions:
		for _, e := range d.Transactions {
			fn(e)
		}
	case Accounts:
		for _, e := range d.Accounts {
			fn(e)
		}
	case Categories:
		for _, e := range d.Categories {
			fn(e)
		}
	}
}

// Clone deep-copies the document.
func (d *Document) Clone() *Document {
	out := NewDocument()
	for id, e := range d.Transactions {
		out.Transactions[id] = e.Clone().(*Transaction)
	}
	for id, e := range d.Accounts {
		out.Accounts[id] = e.Clone().(*Account)
	}
	for id, e := range d.Categories {
		out.Categories[id] = e.Clone().(*Category)
	}
	return out
}
