package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vpnaccess/internal/metrics"
	"vpnaccess/internal/model"
	"vpnaccess/internal/provision"
	"vpnaccess/internal/repository"
)

// ErrProvisioningFailed signals that the entitlement was durably recorded but
// external access could not be set up. The caller retries provisioning, not
// the payment or the promo.
var ErrProvisioningFailed = provision.ErrProvisioningFailed

// ErrUnknownPlan is returned for a plan key outside the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// Gateway is the slice of the provisioning gateway the engine needs.
type Gateway interface {
	EnsureProvisioned(ctx context.Context, name string, expiresAt time.Time) error
	EnsureDeprovisioned(ctx context.Context, name string) error
}

// EntitlementService is the entitlement lifecycle engine: it drives the
// subscription state machine, feeds the promo ledger, and instructs the
// gateway. Persistence always commits before any external call is made.
type EntitlementService interface {
	// GrantPlan records a paid grant for the plan and ensures provisioning.
	GrantPlan(ctx context.Context, principalID int64, username, planKey, txRef string) (*model.SubscriptionPeriod, error)

	// GrantOrExtend records a grant of the given duration. On provisioning
	// failure the period is still returned alongside ErrProvisioningFailed.
	GrantOrExtend(ctx context.Context, principalID int64, username string, durationDays int, source string, txRef *string) (*model.SubscriptionPeriod, error)

	// RedeemPromo consumes one use of the code and grants its duration;
	// ledger increment and grant commit or roll back together.
	RedeemPromo(ctx context.Context, principalID int64, username, code string) (*model.SubscriptionPeriod, error)

	// Cancel flips the active period to canceled. Idempotent; access runs
	// out the clock, natural expiry drives deprovisioning.
	Cancel(ctx context.Context, principalID int64) error

	// Revoke is the administrative path: cancel plus immediate deprovision.
	Revoke(ctx context.Context, principalID int64) error

	// CurrentStatus reports the identity's entitlement as of now.
	CurrentStatus(ctx context.Context, principalID int64) (*model.EntitlementStatus, error)
}

type entitlementService struct {
	identities repository.IdentityRepository
	periods    repository.EntitlementRepository
	gateway    Gateway
	logger     zerolog.Logger
	now        func() time.Time
}

// NewEntitlementService creates the engine.
func NewEntitlementService(
	identities repository.IdentityRepository,
	periods repository.EntitlementRepository,
	gateway Gateway,
	logger zerolog.Logger,
) EntitlementService {
	return &entitlementService{
		identities: identities,
		periods:    periods,
		gateway:    gateway,
		logger:     logger.With().Str("service", "EntitlementService").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *entitlementService) GrantPlan(ctx context.Context, principalID int64, username, planKey, txRef string) (*model.SubscriptionPeriod, error) {
	plan := PlanByKey(planKey)
	if plan == nil {
		return nil, ErrUnknownPlan
	}
	var ref *string
	if txRef != "" {
		ref = &txRef
	}
	return s.GrantOrExtend(ctx, principalID, username, plan.DurationDays, model.SourcePlanPrefix+plan.Key, ref)
}

func (s *entitlementService) GrantOrExtend(ctx context.Context, principalID int64, username string, durationDays int, source string, txRef *string) (*model.SubscriptionPeriod, error) {
	if durationDays <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationDays)
	}
	identity, err := s.identities.UpsertIdentity(ctx, principalID, username)
	if err != nil {
		return nil, err
	}
	period, err := s.periods.GrantOrExtend(ctx, principalID, durationDays, source, nil, txRef, s.now())
	if err != nil {
		return nil, err
	}
	metrics.GrantsTotal.WithLabelValues(source).Inc()
	return s.provisionAfterGrant(ctx, identity, period)
}

func (s *entitlementService) RedeemPromo(ctx context.Context, principalID int64, username, code string) (*model.SubscriptionPeriod, error) {
	identity, err := s.identities.UpsertIdentity(ctx, principalID, username)
	if err != nil {
		return nil, err
	}
	period, err := s.periods.RedeemPromo(ctx, principalID, code, s.now())
	switch {
	case errors.Is(err, repository.ErrPromoExhausted):
		metrics.RedemptionsTotal.WithLabelValues("exhausted").Inc()
		return nil, err
	case errors.Is(err, repository.ErrNotFound):
		metrics.RedemptionsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	case err != nil:
		return nil, err
	}
	metrics.RedemptionsTotal.WithLabelValues("ok").Inc()
	return s.provisionAfterGrant(ctx, identity, period)
}

// provisionAfterGrant runs outside any store transaction. The grant is
// already durable; a provisioning failure is reported, never rolled back.
// The provisioned flag was raised inside the grant transaction, so no
// separate bookkeeping write can be lost here.
func (s *entitlementService) provisionAfterGrant(ctx context.Context, identity *model.Identity, period *model.SubscriptionPeriod) (*model.SubscriptionPeriod, error) {
	if err := s.gateway.EnsureProvisioned(ctx, identity.VPNName, period.EndsAt); err != nil {
		metrics.ProvisionFailures.Inc()
		s.logger.Error().Err(err).
			Int64("principal_id", identity.PrincipalID).
			Str("vpn_name", identity.VPNName).
			Msg("grant recorded but provisioning failed")
		return period, fmt.Errorf("entitlement recorded, access pending: %w", err)
	}
	return period, nil
}

func (s *entitlementService) Cancel(ctx context.Context, principalID int64) error {
	canceled, err := s.periods.Cancel(ctx, principalID)
	if err != nil {
		return err
	}
	if canceled {
		s.logger.Info().Int64("principal_id", principalID).Msg("subscription canceled, runs out the clock")
	}
	return nil
}

func (s *entitlementService) Revoke(ctx context.Context, principalID int64) error {
	identity, err := s.identities.GetIdentity(ctx, principalID)
	if err != nil {
		return err
	}
	if _, err := s.periods.Cancel(ctx, principalID); err != nil {
		return err
	}
	if err := s.gateway.EnsureDeprovisioned(ctx, identity.VPNName); err != nil {
		return err
	}
	return s.identities.SetProvisioned(ctx, principalID, false)
}

func (s *entitlementService) CurrentStatus(ctx context.Context, principalID int64) (*model.EntitlementStatus, error) {
	period, err := s.periods.LatestPeriod(ctx, principalID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.EntitlementStatus{State: model.StateUnentitled}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &model.EntitlementStatus{
		StartsAt: &period.StartsAt,
		EndsAt:   &period.EndsAt,
		Source:   period.Source,
	}
	switch period.Status {
	case model.PeriodActive:
		if period.EndsAt.After(s.now()) {
			status.State = model.StateActive
		} else {
			// Past due but not yet swept.
			status.State = model.StateExpired
		}
	case model.PeriodCanceled:
		status.State = model.StateCanceled
	default:
		status.State = model.StateExpired
	}
	return status, nil
}
