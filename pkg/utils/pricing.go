package utils

import (
	"math"

	"github.com/tourdesk/booking-backend/internal/models"
)

// PriceResult carries the calculated price and which rule produced it.
type PriceResult struct {
	Amount    float64 `json:"amount"`
	Guests    int     `json:"guests"`
	TierIndex int     `json:"tierIndex"`
	PerPerson bool    `json:"perPerson"`
	Fallback  bool    `json:"fallback"`
}

// CalculateGroupPrice scans tiers in table order and prices the first tier whose
// guest range contains guests. Per-person tiers multiply by the guest count,
// others are a flat total. It returns false when no tier matches.
func CalculateGroupPrice(tiers []models.GroupPriceTier, guests int) (PriceResult, bool) {
	res := PriceResult{Guests: guests, TierIndex: -1}
	if guests < 1 {
		return res, false
	}
	for i, tier := range tiers {
		lo, hi, ok := tier.Guests.Range()
		if !ok || guests < lo || guests > hi {
			continue
		}
		perPerson := tier.PerPerson == nil || *tier.PerPerson
		amount := tier.Price
		if perPerson {
			amount = tier.Price * float64(guests)
		}
		res.Amount = models.RoundMoney(amount)
		res.TierIndex = i
		res.PerPerson = perPerson
		return res, true
	}
	return res, false
}

// PriceTour prices a catalog tour. Without a matching tier it falls back to the
// tour's per-person base price, and to zero when there is none.
func PriceTour(tour models.TourRef, guests int) float64 {
	return QuoteTour(tour, guests).Amount
}

func QuoteTour(tour models.TourRef, guests int) PriceResult {
	if res, ok := CalculateGroupPrice(tour.GroupPrices, guests); ok {
		return res
	}
	res := PriceResult{Guests: guests, TierIndex: -1, Fallback: true}
	if tour.Price != nil && guests > 0 {
		res.Amount = models.RoundMoney(*tour.Price * float64(guests))
		res.PerPerson = true
	}
	return res
}

// ToMinorUnits converts a currency amount to cents.
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func FromMinorUnits(cents int64) float64 {
	return models.RoundMoney(float64(cents) / 100)
}
