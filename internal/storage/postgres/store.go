package postgres

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/orchestrator"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu    sync.Mutex
	repos *Repositories
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }
func (s *Store) Close() error                   { return s.pgDB.Close() }
func (s *Store) Driver() string                 { return storage.DriverPostgres }

// DB returns the wrapped handle.
func (s *Store) DB() *DB {
	return s.pgDB
}

func (s *Store) Trips() orchestrator.TripStore { return s.sub().Trips }
func (s *Store) Policies() policy.Store        { return s.sub().Policies }
func (s *Store) Approvals() approval.Store     { return s.sub().Approvals }
func (s *Store) Audit() audit.Store            { return s.sub().Audit }

func (s *Store) sub() *Repositories {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repos == nil {
		s.repos = NewRepositories(s.pgDB.GormDB())
	}
	return s.repos
}

// Repositories bundles every repository over one gorm handle.
type Repositories struct {
	Trips     *TripRepository
	Policies  *PolicyRepository
	Approvals *ApprovalRepository
	Audit     *AuditRepository
}

// NewRepositories creates all repositories over db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Trips:     NewTripRepository(db),
		Policies:  NewPolicyRepository(db),
		Approvals: NewApprovalRepository(db),
		Audit:     NewAuditRepository(db),
	}
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
