package rbac

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/soundledger/permgate/pkg/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var checkerTracer = otel.Tracer("permgate/rbac/checker")

// DefaultStoreTimeout bounds the store reads made on a cache miss
const DefaultStoreTimeout = 2 * time.Second

// RuleSource reads the persisted inputs of a resolution
type RuleSource interface {
	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
	GetOverrides(ctx context.Context, userID string) ([]UserPermissionOverride, error)
}

// FailureRecorder is told about checks denied because the store failed
type FailureRecorder interface {
	RecordFailClosed(ctx context.Context, userID, permission string, cause error)
}

// Checker handles permission checking and evaluation
type Checker interface {
	// Can reports whether userID holds permission. Any failure denies.
	Can(ctx context.Context, userID, permission string) bool

	// CheckPermission checks a permission and explains the decision
	CheckPermission(ctx context.Context, check PermissionCheck) (*PermissionCheckResult, error)

	// EffectivePermissions returns the flat display list for a user
	EffectivePermissions(ctx context.Context, userID string) ([]string, error)

	// InvalidateCache drops the cached set of a user
	InvalidateCache(ctx context.Context, userID string) error
}

// CheckerConfig configures a PermissionChecker
type CheckerConfig struct {
	CacheTTL     time.Duration
	StoreTimeout time.Duration
}

// DefaultCheckerConfig returns the default checker configuration
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		CacheTTL:     DefaultCacheTTL,
		StoreTimeout: DefaultStoreTimeout,
	}
}

// PermissionChecker implements the Checker interface
type PermissionChecker struct {
	source       RuleSource
	profiles     ProfileDirectory
	cache        Cache
	cacheTTL     time.Duration
	storeTimeout time.Duration
	group        singleflight.Group
	logger       *observability.Logger
	metrics      *observability.Metrics
	failures     FailureRecorder
	now          func() time.Time
}

// NewPermissionChecker creates a new permission checker
func NewPermissionChecker(source RuleSource, profiles ProfileDirectory, cache Cache, config CheckerConfig, logger *observability.Logger) *PermissionChecker {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	return &PermissionChecker{
		source:       source,
		profiles:     profiles,
		cache:        cache,
		cacheTTL:     config.CacheTTL,
		storeTimeout: config.StoreTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// SetMetrics attaches a metrics registry
func (pc *PermissionChecker) SetMetrics(m *observability.Metrics) {
	pc.metrics = m
}

// SetFailureRecorder sets the recorder told about fail-closed decisions
func (pc *PermissionChecker) SetFailureRecorder(r FailureRecorder) {
	pc.failures = r
}

// Can reports whether userID holds permission, looking the user's role up
// through the profile directory
func (pc *PermissionChecker) Can(ctx context.Context, userID, permission string) bool {
	result, _ := pc.CheckPermission(ctx, PermissionCheck{UserID: userID, Permission: permission})
	return result != nil && result.Allowed
}

// CanWithRole reports whether userID holding roleID has permission
func (pc *PermissionChecker) CanWithRole(ctx context.Context, userID string, roleID int64, permission string) bool {
	result, _ := pc.check(ctx, userID, &roleID, permission)
	return result != nil && result.Allowed
}

// CheckPermission checks a permission and explains the decision. A store
// failure yields a denied result together with the error.
func (pc *PermissionChecker) CheckPermission(ctx context.Context, check PermissionCheck) (*PermissionCheckResult, error) {
	return pc.check(ctx, check.UserID, nil, check.Permission)
}

func (pc *PermissionChecker) check(ctx context.Context, userID string, roleID *int64, permission string) (*PermissionCheckResult, error) {
	ctx, span := checkerTracer.Start(ctx, "rbac.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("rbac.user_id", userID),
		attribute.String("rbac.permission", permission),
	)

	if userID == "" {
		return nil, validationErr("user id is required")
	}

	if !IsValidName(permission) {
		result := &PermissionCheckResult{Reason: ReasonInvalid, CheckedAt: pc.now()}
		pc.metrics.RecordCheck(false, result.Reason)
		span.SetAttributes(attribute.Bool("rbac.allowed", false))
		return result, nil
	}

	set, cached, err := pc.effectiveSet(ctx, userID, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			result := &PermissionCheckResult{Reason: ReasonUnknownUser, CheckedAt: pc.now()}
			pc.metrics.RecordCheck(false, result.Reason)
			span.SetAttributes(attribute.Bool("rbac.allowed", false))
			return result, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return pc.failClosed(ctx, userID, permission, err), err
	}

	result := Evaluate(set, permission)
	result.Cached = cached
	result.CheckedAt = pc.now()
	pc.metrics.RecordCheck(result.Allowed, result.Reason)
	span.SetAttributes(
		attribute.Bool("rbac.allowed", result.Allowed),
		attribute.Bool("rbac.cached", cached),
	)

	if !result.Allowed {
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"user_id":    userID,
			"permission": permission,
			"reason":     result.Reason,
		}).Debug("permission denied")
	}
	return result, nil
}

func (pc *PermissionChecker) failClosed(ctx context.Context, userID, permission string, err error) *PermissionCheckResult {
	errorType := "store"
	if errors.Is(err, context.DeadlineExceeded) {
		errorType = "timeout"
	}

	pc.logger.WithError(err).WithFields(map[string]interface{}{
		"user_id":    userID,
		"permission": permission,
		"reason":     ReasonStoreUnavailable,
		"error_type": errorType,
	}).Warn("permission check failed closed")
	pc.metrics.RecordFailClosed(errorType)
	pc.metrics.RecordCheck(false, ReasonStoreUnavailable)
	if pc.failures != nil {
		pc.failures.RecordFailClosed(ctx, userID, permission, err)
	}

	return &PermissionCheckResult{Reason: ReasonStoreUnavailable, CheckedAt: pc.now()}
}

// Resolve returns the display list of userID holding roleID
func (pc *PermissionChecker) Resolve(ctx context.Context, userID string, roleID int64) ([]string, error) {
	set, _, err := pc.effectiveSet(ctx, userID, &roleID)
	if err != nil {
		return nil, err
	}
	return DisplayPermissions(set), nil
}

// EffectivePermissions returns the display list for userID. Denied entries
// are removed; the list is not an authorization decision.
func (pc *PermissionChecker) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, validationErr("user id is required")
	}
	set, _, err := pc.effectiveSet(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	return DisplayPermissions(set), nil
}

// InvalidateCache invalidates the cached set for a user
func (pc *PermissionChecker) InvalidateCache(ctx context.Context, userID string) error {
	return pc.cache.Invalidate(ctx, userID)
}

// effectiveSet returns the user's set from the cache or the store. A nil
// roleID means the role is read from the profile directory.
func (pc *PermissionChecker) effectiveSet(ctx context.Context, userID string, roleID *int64) (*EffectiveSet, bool, error) {
	set, err := pc.cache.Get(ctx, userID)
	switch {
	case err == nil:
		if roleID == nil || set.RoleID == *roleID {
			pc.metrics.RecordCacheHit()
			return set, true, nil
		}
		pc.metrics.RecordCacheMiss("role_mismatch")
	case errors.Is(err, ErrCacheMiss):
		pc.metrics.RecordCacheMiss("absent")
	case errors.Is(err, errCacheInconsistency):
		pc.metrics.RecordCacheMiss("inconsistent")
		pc.logger.WithField("user_id", userID).Warn("discarded inconsistent cache entry")
	default:
		pc.metrics.RecordCacheMiss("error")
		pc.logger.WithError(err).WithField("user_id", userID).Warn("cache read failed, resolving from store")
	}

	// Callers share a load only when they saw the same generation, so a
	// request that starts after an invalidation never gets an older read.
	gen, err := pc.cache.Generation(ctx, userID)
	if err != nil {
		pc.logger.WithError(err).WithField("user_id", userID).Warn("cache generation unavailable, resolving unshared and uncached")
		set, err := pc.load(ctx, userID, roleID, nil)
		return set, false, err
	}

	key := flightKey(userID, roleID, gen)

	// the shared load must not die with the first caller's context
	loadCtx := context.WithoutCancel(ctx)
	ch := pc.group.DoChan(key, func() (interface{}, error) {
		return pc.load(loadCtx, userID, roleID, &gen)
	})

	select {
	case <-ctx.Done():
		return nil, false, storeErr("resolve permissions", ctx.Err())
	case res := <-ch:
		if res.Shared {
			pc.metrics.RecordShared()
		}
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*EffectiveSet), false, nil
	}
}

func flightKey(userID string, roleID *int64, gen Generation) string {
	key := userID + "|" + strconv.FormatUint(gen.Epoch, 10) + "." + strconv.FormatUint(gen.User, 10)
	if roleID != nil {
		key += "|" + strconv.FormatInt(*roleID, 10)
	}
	return key
}

// load reads the role defaults and overrides under the store timeout. With a
// generation, taken before the read, the result is cached unless an
// invalidation raced it; without one nothing is cached.
func (pc *PermissionChecker) load(ctx context.Context, userID string, roleID *int64, gen *Generation) (*EffectiveSet, error) {
	ctx, span := checkerTracer.Start(ctx, "rbac.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("rbac.user_id", userID))

	start := pc.now()
	set, err := pc.read(ctx, userID, roleID, gen)
	pc.metrics.RecordResolve(pc.now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return set, nil
}

func (pc *PermissionChecker) read(ctx context.Context, userID string, roleID *int64, gen *Generation) (*EffectiveSet, error) {
	storeCtx, cancel := context.WithTimeout(ctx, pc.storeTimeout)
	defer cancel()

	var role int64
	if roleID != nil {
		role = *roleID
	} else {
		var err error
		if role, err = pc.profiles.RoleOf(storeCtx, userID); err != nil {
			return nil, err
		}
	}

	rolePerms, err := pc.source.RolePermissionNames(storeCtx, role)
	if err != nil {
		return nil, err
	}
	overrides, err := pc.source.GetOverrides(storeCtx, userID)
	if err != nil {
		return nil, err
	}

	set := &EffectiveSet{
		UserID:          userID,
		RoleID:          role,
		RolePermissions: rolePerms,
		Grants:          []string{},
		Denies:          []string{},
	}
	for _, o := range overrides {
		if o.Denied {
			set.Denies = append(set.Denies, o.Permission)
		} else {
			set.Grants = append(set.Grants, o.Permission)
		}
	}

	if gen == nil {
		return set, nil
	}
	set.Generation = *gen
	if err := pc.cache.Put(ctx, userID, set, pc.cacheTTL); err != nil {
		if errors.Is(err, errStaleGeneration) {
			pc.metrics.RecordStalePut()
		} else {
			pc.logger.WithError(err).WithField("user_id", userID).Warn("failed to cache effective set")
		}
	}
	return set, nil
}

// Evaluate decides permission against a resolved set. A deny that matches
// the query in either direction wins; otherwise any role default or grant
// that matches allows; otherwise the answer is no.
func Evaluate(set *EffectiveSet, permission string) *PermissionCheckResult {
	query, err := ParseRule(permission)
	if err != nil {
		return &PermissionCheckResult{Reason: ReasonInvalid}
	}

	for _, name := range set.Denies {
		deny, err := ParseRule(name)
		if err != nil {
			continue
		}
		if deny.Satisfies(query) || query.Satisfies(deny) {
			return &PermissionCheckResult{Reason: ReasonDenied, DeniedBy: name}
		}
	}

	for _, rules := range [][]string{set.RolePermissions, set.Grants} {
		for _, name := range rules {
			if Matches(name, permission) {
				return &PermissionCheckResult{Allowed: true, Reason: ReasonGranted, MatchedRule: name}
			}
		}
	}

	return &PermissionCheckResult{Reason: ReasonNoMatch}
}

// DisplayPermissions returns (role defaults ∪ grants) minus every entry a
// deny matches, sorted. Only Evaluate answers authorization questions.
func DisplayPermissions(set *EffectiveSet) []string {
	seen := make(map[string]struct{}, len(set.RolePermissions)+len(set.Grants))
	out := []string{}

	for _, rules := range [][]string{set.RolePermissions, set.Grants} {
		for _, name := range rules {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			if deniedForDisplay(set.Denies, name) {
				continue
			}
			out = append(out, name)
		}
	}

	sort.Strings(out)
	return out
}

func deniedForDisplay(denies []string, name string) bool {
	for _, deny := range denies {
		if deny == name || Matches(deny, name) {
			return true
		}
	}
	return false
}
