package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"vpnaccess/internal/model"
	"vpnaccess/internal/repository"
)

// ErrInvalidPromo is returned when an administrative promo request fails
// validation before touching the store.
var ErrInvalidPromo = errors.New("invalid promo code parameters")

var promoCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// PromoService covers the administrative promo-code operations. These fail
// loudly on constraint violations; nothing here is retried.
type PromoService interface {
	AddPromo(ctx context.Context, code string, durationDays, maxUses int, note string) (*model.PromoCode, error)
	RemovePromo(ctx context.Context, code string) error
	PromoInfo(ctx context.Context, code string) (*model.PromoCode, error)
}

type promoService struct {
	promos repository.PromoRepository
	logger zerolog.Logger
}

// NewPromoService creates a PromoService.
func NewPromoService(promos repository.PromoRepository, logger zerolog.Logger) PromoService {
	return &promoService{
		promos: promos,
		logger: logger.With().Str("service", "PromoService").Logger(),
	}
}

func (s *promoService) AddPromo(ctx context.Context, code string, durationDays, maxUses int, note string) (*model.PromoCode, error) {
	if !promoCodePattern.MatchString(code) {
		return nil, fmt.Errorf("%w: code must match [A-Za-z0-9_-]{3,64}", ErrInvalidPromo)
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("%w: duration_days must be positive", ErrInvalidPromo)
	}
	if maxUses < 1 {
		return nil, fmt.Errorf("%w: max_uses must be at least 1", ErrInvalidPromo)
	}
	promo := &model.PromoCode{
		Code:         code,
		DurationDays: durationDays,
		MaxUses:      maxUses,
		Note:         note,
	}
	if err := s.promos.AddPromo(ctx, promo); err != nil {
		return nil, err
	}
	s.logger.Info().Str("code", code).Int("duration_days", durationDays).Int("max_uses", maxUses).Msg("promo code created")
	return promo, nil
}

func (s *promoService) RemovePromo(ctx context.Context, code string) error {
	if err := s.promos.RemovePromo(ctx, code); err != nil {
		return err
	}
	s.logger.Info().Str("code", code).Msg("promo code removed")
	return nil
}

func (s *promoService) PromoInfo(ctx context.Context, code string) (*model.PromoCode, error) {
	return s.promos.GetPromo(ctx, code)
}
