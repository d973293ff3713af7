package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vpnaccess/internal/metrics"
	"vpnaccess/internal/model"
)

// Store is the slice of the entitlement store the sweeper reads and writes.
type Store interface {
	ListDue(ctx context.Context, now time.Time) ([]model.Identity, error)
	MarkExpired(ctx context.Context, principalID int64, now time.Time) (bool, error)
	ListDeprovisionable(ctx context.Context, now time.Time) ([]model.Identity, error)
	SetProvisioned(ctx context.Context, principalID int64, provisioned bool) error
}

// Gateway is the deprovisioning side of the provisioning gateway.
type Gateway interface {
	EnsureDeprovisioned(ctx context.Context, name string) error
}

// Sweeper is the recurring reconciliation pass: it expires past-due periods
// and removes external access for identities no longer entitled. Each
// identity is processed independently; a failure is logged and left for the
// next cycle, which makes the sweep self-healing.
type Sweeper struct {
	store    Store
	gateway  Gateway
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time
}

// New creates a Sweeper.
func New(store Store, gateway Gateway, logger zerolog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		gateway:  gateway,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a fixed interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("starting expiry sweeper")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down expiry sweeper")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list past-due identities")
		return
	}
	for _, identity := range due {
		expired, err := s.store.MarkExpired(ctx, identity.PrincipalID, now)
		if err != nil {
			s.logger.Error().Err(err).Int64("principal_id", identity.PrincipalID).Msg("failed to mark period expired")
			continue
		}
		if !expired {
			// A concurrent grant already folded the period away.
			continue
		}
		metrics.ExpiredTotal.Inc()
		s.logger.Info().Int64("principal_id", identity.PrincipalID).Str("vpn_name", identity.VPNName).Msg("subscription expired")
	}

	// Deprovisioning is driven by the provisioned flag rather than the
	// period transition above, so a failed removal is retried next cycle
	// and canceled subscriptions run out the clock before losing access.
	removable, err := s.store.ListDeprovisionable(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list deprovisionable identities")
		return
	}
	for _, identity := range removable {
		if err := s.gateway.EnsureDeprovisioned(ctx, identity.VPNName); err != nil {
			metrics.DeprovisionFailures.Inc()
			s.logger.Error().Err(err).Int64("principal_id", identity.PrincipalID).Str("vpn_name", identity.VPNName).
				Msg("deprovisioning failed, will retry next sweep")
			continue
		}
		if err := s.store.SetProvisioned(ctx, identity.PrincipalID, false); err != nil {
			s.logger.Error().Err(err).Int64("principal_id", identity.PrincipalID).Msg("failed to clear provisioned flag")
			continue
		}
		s.logger.Info().Int64("principal_id", identity.PrincipalID).Str("vpn_name", identity.VPNName).Msg("access deprovisioned")
	}

	metrics.SweepsTotal.Inc()
}
