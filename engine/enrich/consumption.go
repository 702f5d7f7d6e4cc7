package enrich

import (
	"strconv"
	"strings"
)

// Gallon conversion factors by unit of measure.
var gallonFactors = map[string]float64{
	"gallon":           1,
	"gallons":          1,
	"gal":              1,
	"gals":             1,
	"ccf":              748,
	"kgal":             1000,
	"kgals":            1000,
	"thousand gallon":  1000,
	"thousand gallons": 1000,
	"cf":               7.48052,
	"ft3":              7.48052,
	"cubic foot":       7.48052,
	"cubic feet":       7.48052,
	"mgal":             1e6,
	"mgals":            1e6,
}

// ToGallons converts a consumption amount to gallons. An empty unit assumes
// gallons; unknown units and unparseable amounts yield 0.
func ToGallons(amount string, uom string) float64 {
	amt := strings.ReplaceAll(strings.TrimSpace(amount), ",", "")
	if amt == "" {
		return 0
	}
	v, err := strconv.ParseFloat(amt, 64)
	if err != nil {
		return 0
	}

	unit := strings.ToLower(strings.TrimSpace(uom))
	if unit == "" {
		return v
	}
	factor, ok := gallonFactors[unit]
	if !ok {
		return 0
	}
	return v * factor
}
