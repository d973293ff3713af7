package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnaccess/internal/model"
	"vpnaccess/internal/repository"
	"vpnaccess/internal/sweeper"
)

// fakeStore implements the identity and entitlement repositories in memory
// with the same conditional-update semantics the Postgres store has, so the
// concurrency properties can be exercised without a database.
type fakeStore struct {
	mu         sync.Mutex
	identities map[int64]*model.Identity
	periods    []*model.SubscriptionPeriod
	promos     map[string]*model.PromoCode
	nextID     int

	setProvisionedErrs []error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: make(map[int64]*model.Identity),
		promos:     make(map[string]*model.PromoCode),
	}
}

func (f *fakeStore) UpsertIdentity(_ context.Context, principalID int64, username string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[principalID]
	if !ok {
		id = &model.Identity{
			PrincipalID: principalID,
			VPNName:     model.VPNNameFor(principalID),
			CreatedAt:   time.Now().UTC(),
		}
		f.identities[principalID] = id
	}
	id.Username = username
	out := *id
	return &out, nil
}

func (f *fakeStore) GetIdentity(_ context.Context, principalID int64) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[principalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *id
	return &out, nil
}

func (f *fakeStore) SetProvisioned(_ context.Context, principalID int64, provisioned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.setProvisionedErrs) > 0 {
		err := f.setProvisionedErrs[0]
		f.setProvisionedErrs = f.setProvisionedErrs[1:]
		if err != nil {
			return err
		}
	}
	if id, ok := f.identities[principalID]; ok {
		id.Provisioned = provisioned
	}
	return nil
}

func (f *fakeStore) GrantOrExtend(_ context.Context, principalID int64, durationDays int, source string, promoCode, txRef *string, now time.Time) (*model.SubscriptionPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grantLocked(principalID, durationDays, source, promoCode, txRef, now)
}

func (f *fakeStore) RedeemPromo(_ context.Context, principalID int64, code string, now time.Time) (*model.SubscriptionPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	promo, ok := f.promos[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if promo.UsedCount >= promo.MaxUses {
		return nil, repository.ErrPromoExhausted
	}
	promo.UsedCount++
	period, err := f.grantLocked(principalID, promo.DurationDays, model.SourcePromo, &code, nil, now)
	if err != nil {
		// All-or-nothing: the increment rolls back with the grant.
		promo.UsedCount--
		return nil, err
	}
	return period, nil
}

func (f *fakeStore) grantLocked(principalID int64, durationDays int, source string, promoCode, txRef *string, now time.Time) (*model.SubscriptionPeriod, error) {
	identity, ok := f.identities[principalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	// Raised atomically with the grant, lowered only by the sweeper.
	identity.Provisioned = true
	duration := time.Duration(durationDays) * 24 * time.Hour
	startsAt, endsAt := now, now.Add(duration)
	for _, p := range f.periods {
		if p.PrincipalID == principalID && p.Status == model.PeriodActive && p.EndsAt.After(now) {
			startsAt, endsAt = p.StartsAt, p.EndsAt.Add(duration)
			p.Status = model.PeriodExpired
			break
		}
	}
	f.nextID++
	period := &model.SubscriptionPeriod{
		ID:          fmt.Sprintf("P%04d", f.nextID),
		PrincipalID: principalID,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		Status:      model.PeriodActive,
		Source:      source,
		PromoCode:   promoCode,
		TxRef:       txRef,
		CreatedAt:   now,
	}
	f.periods = append(f.periods, period)
	out := *period
	return &out, nil
}

func (f *fakeStore) ActivePeriod(_ context.Context, principalID int64, now time.Time) (*model.SubscriptionPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.periods {
		if p.PrincipalID == principalID && p.Status == model.PeriodActive && p.EndsAt.After(now) {
			out := *p
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) LatestPeriod(_ context.Context, principalID int64) (*model.SubscriptionPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.periods) - 1; i >= 0; i-- {
		if f.periods[i].PrincipalID == principalID {
			out := *f.periods[i]
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) Cancel(_ context.Context, principalID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	canceled := false
	for _, p := range f.periods {
		if p.PrincipalID == principalID && p.Status == model.PeriodActive {
			p.Status = model.PeriodCanceled
			canceled = true
		}
	}
	return canceled, nil
}

func (f *fakeStore) MarkExpired(_ context.Context, principalID int64, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	expired := false
	for _, p := range f.periods {
		if p.PrincipalID == principalID && p.Status == model.PeriodActive && !p.EndsAt.After(now) {
			p.Status = model.PeriodExpired
			expired = true
		}
	}
	return expired, nil
}

func (f *fakeStore) ListDue(_ context.Context, now time.Time) ([]model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int64]bool{}
	var out []model.Identity
	for _, p := range f.periods {
		if p.Status == model.PeriodActive && !p.EndsAt.After(now) && !seen[p.PrincipalID] {
			seen[p.PrincipalID] = true
			out = append(out, *f.identities[p.PrincipalID])
		}
	}
	return out, nil
}

func (f *fakeStore) ListDeprovisionable(_ context.Context, now time.Time) ([]model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Identity
	for _, id := range f.identities {
		if !id.Provisioned {
			continue
		}
		entitled := false
		for _, p := range f.periods {
			if p.PrincipalID == id.PrincipalID &&
				(p.Status == model.PeriodActive || p.Status == model.PeriodCanceled) &&
				p.EndsAt.After(now) {
				entitled = true
				break
			}
		}
		if !entitled {
			out = append(out, *id)
		}
	}
	return out, nil
}

func (f *fakeStore) addPromo(code string, days, maxUses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promos[code] = &model.PromoCode{Code: code, DurationDays: days, MaxUses: maxUses}
}

func (f *fakeStore) activeCount(principalID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.periods {
		if p.PrincipalID == principalID && p.Status == model.PeriodActive {
			n++
		}
	}
	return n
}

// fakeGateway records ensure calls and can be scripted to fail.
type fakeGateway struct {
	mu              sync.Mutex
	provisionErr    error
	deprovisionErr  error
	provisioned     map[string]time.Time
	deprovisionCall int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{provisioned: make(map[string]time.Time)}
}

func (g *fakeGateway) EnsureProvisioned(_ context.Context, name string, expiresAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provisionErr != nil {
		return g.provisionErr
	}
	g.provisioned[name] = expiresAt
	return nil
}

func (g *fakeGateway) EnsureDeprovisioned(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deprovisionCall++
	if g.deprovisionErr != nil {
		return g.deprovisionErr
	}
	delete(g.provisioned, name)
	return nil
}

func newEngine(t *testing.T, store *fakeStore, gw *fakeGateway) EntitlementService {
	t.Helper()
	return NewEntitlementService(store, store, gw, zerolog.Nop())
}

func TestGrantExtensionIsAdditive(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	engine := newEngine(t, store, gw)
	ctx := context.Background()

	first, err := engine.GrantOrExtend(ctx, 42, "alice", 10, "plan:custom", nil)
	require.NoError(t, err)

	second, err := engine.GrantOrExtend(ctx, 42, "alice", 30, "plan:month", nil)
	require.NoError(t, err)

	assert.Equal(t, first.StartsAt, second.StartsAt, "extension keeps the original start")
	assert.Equal(t, first.EndsAt.Add(30*24*time.Hour), second.EndsAt, "duration is additive, never overwritten")
	assert.Equal(t, first.StartsAt.Add(40*24*time.Hour), second.EndsAt)
	assert.Equal(t, 1, store.activeCount(42), "at most one active period per identity")
}

func TestGrantRecordsEntitlementWhenProvisioningFails(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.provisionErr = ErrProvisioningFailed
	engine := newEngine(t, store, gw)

	period, err := engine.GrantOrExtend(context.Background(), 42, "alice", 30, "plan:month", nil)
	require.ErrorIs(t, err, ErrProvisioningFailed)
	require.NotNil(t, period, "the grant must survive a provisioning failure")
	assert.Equal(t, 1, store.activeCount(42))

	identity, err := store.GetIdentity(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, identity.Provisioned, "flag rides with the grant so the sweep cleans up regardless")
}

func TestGrantPlanUnknownKey(t *testing.T) {
	engine := newEngine(t, newFakeStore(), newFakeGateway())
	_, err := engine.GrantPlan(context.Background(), 42, "alice", "decade", "tx-1")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestGrantPlanProvisionsWithPeriodEnd(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	engine := newEngine(t, store, gw)

	period, err := engine.GrantPlan(context.Background(), 42, "alice", "month", "tx-1")
	require.NoError(t, err)
	require.NotNil(t, period.TxRef)
	assert.Equal(t, "tx-1", *period.TxRef)
	assert.Equal(t, "plan:month", period.Source)
	assert.Equal(t, period.EndsAt, gw.provisioned["u42"], "gateway gets the effective window end")

	identity, err := store.GetIdentity(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, identity.Provisioned)
}

func TestConcurrentRedemptionRespectsCap(t *testing.T) {
	const maxUses = 5
	const contenders = 25

	store := newFakeStore()
	store.addPromo("WELCOME10", 10, maxUses)
	engine := newEngine(t, store, newFakeGateway())
	ctx := context.Background()

	for i := 1; i <= contenders; i++ {
		_, err := store.UpsertIdentity(ctx, int64(i), "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make(chan error, contenders)
	for i := 1; i <= contenders; i++ {
		wg.Add(1)
		go func(principal int64) {
			defer wg.Done()
			_, err := engine.RedeemPromo(ctx, principal, "", "WELCOME10")
			results <- err
		}(int64(i))
	}
	wg.Wait()
	close(results)

	var ok, exhausted int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repository.ErrPromoExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, maxUses, ok, "exactly max_uses redemptions succeed")
	assert.Equal(t, contenders-maxUses, exhausted)
	assert.Equal(t, maxUses, store.promos["WELCOME10"].UsedCount)
}

func TestRedeemPromoScenario(t *testing.T) {
	store := newFakeStore()
	store.addPromo("WELCOME10", 10, 2)
	engine := newEngine(t, store, newFakeGateway())
	ctx := context.Background()

	periodA, err := engine.RedeemPromo(ctx, 1, "a", "WELCOME10")
	require.NoError(t, err)
	assert.Equal(t, periodA.StartsAt.Add(10*24*time.Hour), periodA.EndsAt)
	assert.Equal(t, 1, store.promos["WELCOME10"].UsedCount)

	_, err = engine.RedeemPromo(ctx, 2, "b", "WELCOME10")
	require.NoError(t, err)
	assert.Equal(t, 2, store.promos["WELCOME10"].UsedCount)

	_, err = engine.RedeemPromo(ctx, 3, "c", "WELCOME10")
	assert.ErrorIs(t, err, repository.ErrPromoExhausted)
	assert.Equal(t, 2, store.promos["WELCOME10"].UsedCount, "a failed redemption never consumes a slot")
}

func TestRedeemUnknownCode(t *testing.T) {
	engine := newEngine(t, newFakeStore(), newFakeGateway())
	_, err := engine.RedeemPromo(context.Background(), 1, "a", "NOPE")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCancelIsIdempotentAndKeepsAccess(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	engine := newEngine(t, store, gw)
	ctx := context.Background()

	_, err := engine.GrantOrExtend(ctx, 42, "alice", 30, "plan:month", nil)
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, 42))
	require.NoError(t, engine.Cancel(ctx, 42), "canceling twice is a no-op success")
	require.NoError(t, engine.Cancel(ctx, 7), "canceling an absent subscription is a no-op success")

	status, err := engine.CurrentStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.StateCanceled, status.State)
	assert.Zero(t, gw.deprovisionCall, "cancellation does not deprovision, expiry does")
}

func TestRevokeDeprovisionsImmediately(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	engine := newEngine(t, store, gw)
	ctx := context.Background()

	_, err := engine.GrantOrExtend(ctx, 42, "alice", 30, "plan:month", nil)
	require.NoError(t, err)

	require.NoError(t, engine.Revoke(ctx, 42))
	assert.Equal(t, 1, gw.deprovisionCall)
	assert.NotContains(t, gw.provisioned, "u42")

	identity, err := store.GetIdentity(ctx, 42)
	require.NoError(t, err)
	assert.False(t, identity.Provisioned)
}

func TestCurrentStatus(t *testing.T) {
	store := newFakeStore()
	engine := newEngine(t, store, newFakeGateway())
	ctx := context.Background()

	status, err := engine.CurrentStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.StateUnentitled, status.State)

	period, err := engine.GrantOrExtend(ctx, 42, "alice", 30, "plan:month", nil)
	require.NoError(t, err)

	status, err = engine.CurrentStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, status.State)
	require.NotNil(t, status.EndsAt)
	assert.Equal(t, period.EndsAt, *status.EndsAt)

	// A past-due period that the sweeper has not reached yet reads as expired.
	store.mu.Lock()
	for _, p := range store.periods {
		p.EndsAt = time.Now().UTC().Add(-time.Hour)
	}
	store.mu.Unlock()

	status, err = engine.CurrentStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, status.State)
}

func TestExpiredGrantIsDeprovisionedDespiteFlagWriteFailure(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	engine := newEngine(t, store, gw)
	ctx := context.Background()

	_, err := engine.GrantOrExtend(ctx, 42, "alice", 1, "plan:custom", nil)
	require.NoError(t, err)
	assert.Contains(t, gw.provisioned, "u42")

	// Age the period past its end and make the next flag write fail once.
	store.mu.Lock()
	for _, p := range store.periods {
		p.EndsAt = time.Now().UTC().Add(-time.Hour)
	}
	store.setProvisionedErrs = []error{errors.New("connection reset")}
	store.mu.Unlock()

	sw := sweeper.New(store, gw, zerolog.Nop(), time.Minute)
	sw.Sweep(ctx)

	// Access was revoked even though the bookkeeping write failed; the flag
	// stays up so the next cycle settles it.
	assert.NotContains(t, gw.provisioned, "u42")
	identity, err := store.GetIdentity(ctx, 42)
	require.NoError(t, err)
	assert.True(t, identity.Provisioned)

	sw.Sweep(ctx)
	identity, err = store.GetIdentity(ctx, 42)
	require.NoError(t, err)
	assert.False(t, identity.Provisioned)
	assert.NotContains(t, gw.provisioned, "u42")
}
