// Package memory is an in-process implementation of repo.Store. A single
// mutex is held for the whole of a WithTx callback, which gives transactions
// serializable semantics; a failed callback restores the pre-transaction state.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo"
)

type data struct {
	mu       sync.Mutex
	users    map[uuid.UUID]model.User
	books    map[uuid.UUID]model.Book
	settings map[string]string
	devices  map[uuid.UUID]model.Device
	loans    map[uuid.UUID]model.Loan
	licenses map[uuid.UUID]model.License
}

type snapshot struct {
	users    map[uuid.UUID]model.User
	books    map[uuid.UUID]model.Book
	settings map[string]string
	devices  map[uuid.UUID]model.Device
	loans    map[uuid.UUID]model.Loan
	licenses map[uuid.UUID]model.License
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *data) snapshot() snapshot {
	return snapshot{
		users:    cloneMap(d.users),
		books:    cloneMap(d.books),
		settings: cloneMap(d.settings),
		devices:  cloneMap(d.devices),
		loans:    cloneMap(d.loans),
		licenses: cloneMap(d.licenses),
	}
}

func (d *data) restore(s snapshot) {
	d.users, d.books, d.settings = s.users, s.books, s.settings
	d.devices, d.loans, d.licenses = s.devices, s.loans, s.licenses
}

// Store is an in-memory repo.Store
type Store struct {
	d    *data
	inTx bool
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{d: &data{
		users:    make(map[uuid.UUID]model.User),
		books:    make(map[uuid.UUID]model.Book),
		settings: make(map[string]string),
		devices:  make(map[uuid.UUID]model.Device),
		loans:    make(map[uuid.UUID]model.Loan),
		licenses: make(map[uuid.UUID]model.License),
	}}
}

// lock acquires the store mutex unless a transaction already holds it
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.d.mu.Lock()
	return s.d.mu.Unlock
}

// PutUser inserts or replaces a user account
func (s *Store) PutUser(u model.User) {
	defer s.lock()()
	s.d.users[u.ID] = u
}

// PutBook inserts or replaces a catalog entry
func (s *Store) PutBook(b model.Book) {
	defer s.lock()()
	s.d.books[b.ID] = b
}

// SetSetting writes a runtime setting
func (s *Store) SetSetting(key, value string) {
	defer s.lock()()
	s.d.settings[key] = value
}

func (s *Store) Users() repo.UserRepo        { return userRepo{s} }
func (s *Store) Books() repo.BookRepo        { return bookRepo{s} }
func (s *Store) Settings() repo.SettingsRepo { return settingsRepo{s} }
func (s *Store) Devices() repo.DeviceRepo    { return deviceRepo{s} }
func (s *Store) Loans() repo.LoanRepo        { return loanRepo{s} }
func (s *Store) Licenses() repo.LicenseRepo  { return licenseRepo{s} }

// WithTx runs fn while holding the store mutex
func (s *Store) WithTx(ctx context.Context, fn func(tx repo.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	snap := s.d.snapshot()
	if err := fn(&Store{d: s.d, inTx: true}); err != nil {
		s.d.restore(snap)
		return err
	}
	return nil
}

var _ repo.Store = (*Store)(nil)
