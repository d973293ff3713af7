package provision

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrProvisioningFailed is returned once the retries are exhausted. The
// recorded entitlement stays authoritative regardless; callers retry the
// gateway, never the payment or promo consumption.
var ErrProvisioningFailed = errors.New("provisioning failed")

// Gateway wraps the external provisioning capability with idempotence and
// bounded retry. No store transaction is ever open while its methods run.
type Gateway struct {
	prov           Provisioner
	logger         zerolog.Logger
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	callTimeout    time.Duration
}

// NewGateway creates a Gateway around the given capability.
func NewGateway(prov Provisioner, logger zerolog.Logger, maxRetries int, backoffInitial, backoffMax, callTimeout time.Duration) *Gateway {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Gateway{
		prov:           prov,
		logger:         logger.With().Str("component", "gateway").Logger(),
		maxRetries:     maxRetries,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		callTimeout:    callTimeout,
	}
}

// EnsureProvisioned makes sure credentials exist for the identity and stamps
// the expiry marker. Already-provisioned identities succeed without side
// effects beyond refreshing the marker, so extensions update it too.
func (g *Gateway) EnsureProvisioned(ctx context.Context, name string, expiresAt time.Time) error {
	exists, err := g.isProvisioned(ctx, name)
	if err != nil {
		g.logger.Warn().Err(err).Str("name", name).Msg("provisioned check failed, attempting provision")
	}
	if !exists {
		if err := g.withRetry(ctx, name, "provision", func(callCtx context.Context) error {
			err := g.prov.Provision(callCtx, name)
			if err != nil && outputMentions(err, "already exists", "already present") {
				return nil
			}
			return err
		}); err != nil {
			return err
		}
	}
	if err := g.prov.SetExpiry(name, expiresAt); err != nil {
		g.logger.Error().Err(err).Str("name", name).Msg("failed to write expiry marker")
		return errors.Join(ErrProvisioningFailed, err)
	}
	return nil
}

// EnsureDeprovisioned removes credentials for the identity. Removal is a
// set-membership operation: deprovisioning a never-provisioned or
// already-removed identity is a success, not an error.
func (g *Gateway) EnsureDeprovisioned(ctx context.Context, name string) error {
	exists, err := g.isProvisioned(ctx, name)
	if err == nil && !exists {
		return nil
	}
	return g.withRetry(ctx, name, "deprovision", func(callCtx context.Context) error {
		err := g.prov.Deprovision(callCtx, name)
		if err != nil && outputMentions(err, "not found", "no such", "does not exist") {
			return nil
		}
		return err
	})
}

func (g *Gateway) isProvisioned(ctx context.Context, name string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return g.prov.IsProvisioned(callCtx, name)
}

// withRetry runs the call with a bounded timeout per attempt and exponential
// backoff between attempts. Timeouts count as transient failures.
func (g *Gateway) withRetry(ctx context.Context, name, op string, call func(context.Context) error) error {
	backoff := g.backoffInitial
	var lastErr error
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		g.logger.Error().Err(err).Str("name", name).Str("op", op).Int("attempt", attempt).Msg("provisioning call failed, retrying")

		if attempt == g.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrProvisioningFailed, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > g.backoffMax {
			backoff = g.backoffMax
		}
	}
	g.logger.Warn().Err(lastErr).Str("name", name).Str("op", op).Int("attempts", g.maxRetries).Msg("exhausted provisioning retries")
	return errors.Join(ErrProvisioningFailed, lastErr)
}

// outputMentions classifies black-box script failures by their text. A
// non-zero exit whose output says the state already holds is a success.
func outputMentions(err error, needles ...string) bool {
	var se *ScriptError
	if !errors.As(err, &se) {
		return false
	}
	out := strings.ToLower(se.Output)
	for _, n := range needles {
		if strings.Contains(out, n) {
			return true
		}
	}
	return false
}
