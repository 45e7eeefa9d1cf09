package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/soundledger/permgate/pkg/audit"
	"github.com/soundledger/permgate/pkg/observability"
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds RBAC configuration
type Config struct {
	// CacheBackend selects the memory or redis cache
	CacheBackend string

	// CacheTTL is how long a resolved set stays cached
	CacheTTL time.Duration

	// CacheMaxEntries bounds the in-process cache
	CacheMaxEntries int

	// StoreTimeout bounds store reads on a cache miss
	StoreTimeout time.Duration

	Redis RedisCacheConfig
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		CacheBackend:    CacheBackendMemory,
		CacheTTL:        DefaultCacheTTL,
		CacheMaxEntries: DefaultMemoryCacheConfig().MaxEntries,
		StoreTimeout:    DefaultStoreTimeout,
	}
}

// NewCache builds the configured cache backend
func NewCache(config Config) (Cache, error) {
	switch config.CacheBackend {
	case "", CacheBackendMemory:
		return NewMemoryCache(MemoryCacheConfig{
			MaxEntries: config.CacheMaxEntries,
			TTL:        config.CacheTTL,
		}), nil
	case CacheBackendRedis:
		redisConfig := config.Redis
		redisConfig.TTL = config.CacheTTL
		return NewRedisCache(redisConfig)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", config.CacheBackend)
	}
}

// Manager manages all RBAC components
type Manager struct {
	store      *Store
	profiles   *SQLProfileDirectory
	cache      Cache
	notifier   *Notifier
	checker    *PermissionChecker
	handlers   *Handlers
	middleware *PermissionMiddleware
	catalog    *Catalog
	loaded     atomic.Bool
	logger     *observability.Logger
	config     Config
}

// NewManager wires the store, cache, notifier and checker together
func NewManager(db *sql.DB, cache Cache, auditLogger audit.Logger, logger *observability.Logger, config Config) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	notifier := NewNotifier(cache, auditLogger, logger)

	// filled by RefreshCatalog, then kept current by the store
	catalog := &Catalog{names: make(map[string]PermissionRule)}
	store := NewStore(db)
	store.SetNotifier(notifier)
	store.SetCatalog(catalog)

	profiles := NewSQLProfileDirectory(db)
	profiles.SetNotifier(notifier)

	checker := NewPermissionChecker(store, profiles, cache, CheckerConfig{
		CacheTTL:     config.CacheTTL,
		StoreTimeout: config.StoreTimeout,
	}, logger)
	checker.SetFailureRecorder(notifier)

	middleware := NewPermissionMiddleware(checker)
	handlers := NewHandlers(store, profiles, checker)
	handlers.SetGuard(middleware)

	return &Manager{
		store:      store,
		profiles:   profiles,
		cache:      cache,
		notifier:   notifier,
		checker:    checker,
		handlers:   handlers,
		middleware: middleware,
		catalog:    catalog,
		logger:     logger,
		config:     config,
	}
}

// SetMetrics attaches a metrics registry to the checker and notifier
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.checker.SetMetrics(metrics)
	m.notifier.SetMetrics(metrics)
}

// Initialize runs migrations and applies the built-in seed
func (m *Manager) Initialize(ctx context.Context) (*SeedResult, error) {
	seed, err := DefaultSeed()
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in seed: %w", err)
	}
	return m.InitializeWithSeed(ctx, seed)
}

// InitializeWithSeed runs migrations and applies seed
func (m *Manager) InitializeWithSeed(ctx context.Context, seed *Seed) (*SeedResult, error) {
	if _, err := RunMigrations(ctx, m.store.db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	result, err := ApplySeed(ctx, m.store, seed)
	if err != nil {
		return result, fmt.Errorf("failed to apply seed: %w", err)
	}
	if err := m.RefreshCatalog(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// RefreshCatalog reloads the registered permission names from the store.
// Malformed rows are logged and left out.
func (m *Manager) RefreshCatalog(ctx context.Context) error {
	loaded, err := m.store.LoadCatalog(ctx)
	if loaded == nil {
		return fmt.Errorf("failed to load permission catalog: %w", err)
	}
	if err != nil {
		m.logger.WithError(err).Warn("skipped malformed permissions while loading the catalog")
	}
	m.catalog.Reset(loaded)
	m.handlers.SetCatalog(m.catalog)
	m.loaded.Store(true)

	for _, guard := range []string{PermissionAdminRead, PermissionAdminManage} {
		if m.catalog.Require(guard) != nil {
			m.logger.WithField("permission", guard).Warn("admin route permission is not registered")
		}
	}
	return nil
}

// GetCatalog returns the registered permission names
func (m *Manager) GetCatalog() *Catalog {
	return m.catalog
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// GetStore returns the RBAC store
func (m *Manager) GetStore() *Store {
	return m.store
}

// GetProfiles returns the profile directory
func (m *Manager) GetProfiles() *SQLProfileDirectory {
	return m.profiles
}

// GetChecker returns the permission checker
func (m *Manager) GetChecker() *PermissionChecker {
	return m.checker
}

// GetMiddleware returns the permission middleware
func (m *Manager) GetMiddleware() *PermissionMiddleware {
	return m.middleware
}

// GetNotifier returns the change notifier
func (m *Manager) GetNotifier() *Notifier {
	return m.notifier
}

// Can is a convenience method for checking permissions
func (m *Manager) Can(ctx context.Context, userID, permission string) bool {
	return m.checker.Can(ctx, userID, permission)
}

// EffectivePermissions returns the display list for a user
func (m *Manager) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	return m.checker.EffectivePermissions(ctx, userID)
}

// WhoCan lists the users holding permission
func (m *Manager) WhoCan(ctx context.Context, permission string) (*AccessReview, error) {
	if !m.loaded.Load() {
		if err := m.RefreshCatalog(ctx); err != nil {
			return nil, err
		}
	}
	if err := m.catalog.Require(permission); err != nil {
		return nil, err
	}
	return ReviewAccess(ctx, m.profiles, m.checker, permission, DefaultReviewWorkers)
}

// Flush drops every cached set
func (m *Manager) Flush(ctx context.Context, reason string) error {
	return m.notifier.Flush(ctx, reason)
}

// Stats returns statistics about the RBAC system
type Stats struct {
	Permissions int64 `json:"permissions"`
	Roles       int64 `json:"roles"`
	SystemRoles int64 `json:"system_roles"`
	Grants      int64 `json:"grants"`
	Denies      int64 `json:"denies"`
}

// GetStats returns RBAC statistics
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	db := m.store.db

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM permissions").Scan(&stats.Permissions); err != nil {
		return nil, storeErr("count permissions", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles").Scan(&stats.Roles); err != nil {
		return nil, storeErr("count roles", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles WHERE is_system_role = $1", true).Scan(&stats.SystemRoles); err != nil {
		return nil, storeErr("count system roles", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_permissions WHERE denied = $1", false).Scan(&stats.Grants); err != nil {
		return nil, storeErr("count grants", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_permissions WHERE denied = $1", true).Scan(&stats.Denies); err != nil {
		return nil, storeErr("count denies", err)
	}

	return stats, nil
}
