package agent

import (
	"strings"

	"casahunt/internal/domain"
	"casahunt/internal/scrape"
)

var (
	targetSectors = []string{"3", "4", "5", "6"}
	ilfovAreas    = []string{"ilfov", "voluntari", "otopeni", "popesti"}
)

// ScoreBreakdown is the per-criterion view of a listing score.
type ScoreBreakdown struct {
	PricePerMP int `json:"price_per_mp"`
	Metro      int `json:"metro"`
	Location   int `json:"location"`
	Budget     int `json:"budget"`
	Total      int `json:"total"`
}

// Score rates a listing 0..100: price per square meter up to 40, metro
// proximity up to 30, location up to 20, budget headroom up to 10.
func Score(l domain.Listing) ScoreBreakdown {
	b := ScoreBreakdown{
		PricePerMP: pricePerMPScore(l.PriceEUR, l.SurfaceMP),
		Metro:      metroScore(l),
		Location:   locationScore(l.Location),
		Budget:     budgetScore(l.PriceEUR),
	}
	b.Total = b.PricePerMP + b.Metro + b.Location + b.Budget
	if b.Total > 100 {
		b.Total = 100
	}
	if b.Total < 0 {
		b.Total = 0
	}
	return b
}

func pricePerMPScore(priceEUR, surfaceMP *int) int {
	if priceEUR == nil || surfaceMP == nil || *surfaceMP == 0 {
		return 20 // neutral when unknown
	}
	ppm := float64(*priceEUR) / float64(*surfaceMP)
	switch {
	case ppm <= 1000:
		return 40
	case ppm <= 1500:
		return 30
	case ppm <= 2000:
		return 20
	case ppm <= 2500:
		return 10
	default:
		return 5
	}
}

func metroScore(l domain.Listing) int {
	if l.MetroNearby || scrape.MetroNearby(l.Location+" "+l.Title) {
		return 30
	}
	return 0
}

func locationScore(location string) int {
	lower := strings.ToLower(location)
	for _, s := range targetSectors {
		if strings.Contains(lower, "sector "+s) || strings.Contains(lower, "sector"+s) {
			return 20
		}
	}
	for _, area := range ilfovAreas {
		if strings.Contains(lower, area) {
			return 15
		}
	}
	if strings.Contains(lower, "bucuresti") {
		return 10
	}
	return 0
}

func budgetScore(priceEUR *int) int {
	if priceEUR == nil {
		return 0
	}
	switch {
	case *priceEUR <= 150000:
		return 10
	case *priceEUR <= 180000:
		return 7
	case *priceEUR <= 200000:
		return 5
	default:
		return 0
	}
}
