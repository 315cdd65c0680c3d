package scrape

import (
	"regexp"
	"strconv"
	"strings"
)

// RON to EUR conversion applied when a price is quoted in lei.
const eurRate = 4.97

var (
	priceCleanRe = regexp.MustCompile(`[^\d.,]`)
	// Romanian thousands grouping: 150.000 or 1.250.000.
	groupedRe = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
	surfaceRe    = regexp.MustCompile(`(\d+)\s*mp`)
	roomsRe      = regexp.MustCompile(`(\d+)\s*(?:camere|camera)`)
	digitsRe     = regexp.MustCompile(`(\d+)`)
)

var metroKeywords = []string{
	"metrou", "statie", "pipera", "universitate", "romana",
	"victoriei", "pallady", "berceni", "dimitrie", "leonida",
	"titan", "obor", "muncii", "timpuri noi", "lujerului",
	"politehnica", "eroilor", "unirii", "aviatorilor",
}

// ParsePrice returns the trimmed raw text and the price in EUR. Prices
// quoted in RON/lei are converted; anything else is assumed EUR. A nil
// price means the text could not be parsed.
func ParsePrice(priceText string) (string, *int) {
	if priceText == "" {
		return "", nil
	}
	raw := strings.TrimSpace(priceText)
	clean := strings.ReplaceAll(priceCleanRe.ReplaceAllString(priceText, ""), ",", ".")
	if groupedRe.MatchString(clean) {
		clean = strings.ReplaceAll(clean, ".", "")
	}
	value, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return raw, nil
	}
	lower := strings.ToLower(priceText)
	if strings.Contains(lower, "ron") || strings.Contains(lower, "lei") {
		value /= eurRate
	}
	eur := int(value)
	return raw, &eur
}

// ParseSurface extracts the surface area in square meters.
func ParseSurface(text string) *int {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	if m := surfaceRe.FindStringSubmatch(lower); m != nil {
		v, _ := strconv.Atoi(m[1])
		return &v
	}
	if m := digitsRe.FindStringSubmatch(text); m != nil {
		v, _ := strconv.Atoi(m[1])
		return &v
	}
	return nil
}

// ParseRooms extracts the room count.
func ParseRooms(text string) *int {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	if m := roomsRe.FindStringSubmatch(lower); m != nil {
		v, _ := strconv.Atoi(m[1])
		return &v
	}
	if m := digitsRe.FindStringSubmatch(text); m != nil {
		v, _ := strconv.Atoi(m[1])
		return &v
	}
	return nil
}

// MetroNearby reports whether the text mentions metro proximity.
func MetroNearby(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range metroKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
