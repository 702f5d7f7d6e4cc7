package enrich

import (
	"fmt"
	"strings"

	"github.com/craigbeachjrk/billpipe/engine/domain"
)

// glRule maps (utility type, occupancy) to a GL account.
type glRule struct {
	HouseCode  string
	HouseName  string
	VacantCode string
	VacantName string
}

// glRules is the fixed rule set. Trash and HOA do not split on occupancy.
var glRules = map[string]glRule{
	"electricity": {"5706-0000", "HOUSE ELECTRIC", "5705-0000", "VACANT ELECTRIC"},
	"electric":    {"5706-0000", "HOUSE ELECTRIC", "5705-0000", "VACANT ELECTRIC"},
	"gas":         {"5710-0000", "HOUSE GAS", "5715-0000", "VACANT GAS"},
	"water":       {"5720-0000", "HOUSE WATER", "5721-0000", "VACANT WATER"},
	"sewer":       {"5725-0000", "HOUSE SEWER", "5726-0000", "VACANT SEWER"},
	"stormwater":  {"5730-0000", "STORMWATER", "5730-0000", "STORMWATER"},
	"trash":       {"5550-0000", "TRASH SERVICE", "5550-0000", "TRASH SERVICE"},
	"hoa":         {"5740-0000", "HOA DUES", "5740-0000", "HOA DUES"},
	"internet":    {"5745-0000", "INTERNET SERVICE", "5745-0000", "INTERNET SERVICE"},
	"phone":       {"5746-0000", "PHONE SERVICE", "5746-0000", "PHONE SERVICE"},
}

// ResolveGL picks the GL account for a record from its utility type and
// occupancy. Unknown utility types resolve to empty; the review UI fills
// those by hand.
func ResolveGL(utilityType, houseOrVacant string) (code, name string) {
	rule, ok := glRules[strings.ToLower(strings.TrimSpace(utilityType))]
	if !ok {
		return "", ""
	}
	if strings.EqualFold(strings.TrimSpace(houseOrVacant), "vacant") {
		return rule.VacantCode, rule.VacantName
	}
	return rule.HouseCode, rule.HouseName
}

// billPeriod renders "MM/DD/YYYY-MM/DD/YYYY" from the record's bill period,
// tolerating loose input formats.
func billPeriod(rec domain.Record) string {
	start := domain.NormalizeDate(rec.Field("Bill Period Start"))
	end := domain.NormalizeDate(rec.Field("Bill Period End"))
	switch {
	case start != "" && end != "":
		return start + "-" + end
	case start != "":
		return start
	default:
		return end
	}
}

// BuildGLDesc composes the compact GL line description for a GL code family.
func BuildGLDesc(glCode string, rec domain.Record) string {
	period := billPeriod(rec)
	addr := ParseAddress(rec.Field("Service Address"))

	street := addr.StreetNum + addr.StreetLetter
	var parts []string

	switch {
	case strings.HasPrefix(glCode, "5706"):
		parts = append(parts, "Hse Elec", period)
		if street != "" {
			parts = append(parts, street)
		}
	case strings.HasPrefix(glCode, "5705"):
		parts = append(parts, "VE", period)
		if addr.Unit != "" {
			parts = append(parts, "@"+addr.Unit)
		}
	case strings.HasPrefix(glCode, "5710"):
		parts = append(parts, "Hse Gas", period)
		if street != "" {
			parts = append(parts, street)
		}
	case strings.HasPrefix(glCode, "5715"):
		parts = append(parts, "VG", period)
		if addr.Unit != "" {
			parts = append(parts, "@"+addr.Unit)
		}
	case strings.HasPrefix(glCode, "5720"), strings.HasPrefix(glCode, "5721"):
		parts = append(parts, "Water", period)
		if c := rec.Field("Consumption Amount"); c != "" {
			parts = append(parts, c)
		}
	case strings.HasPrefix(glCode, "5725"), strings.HasPrefix(glCode, "5726"):
		parts = append(parts, "Sewer", period)
	case strings.HasPrefix(glCode, "5550"):
		parts = append(parts, "Trash Service", period)
	default:
		parts = append(parts, period)
	}

	if addr.Building != "" {
		parts = append(parts, "BL "+addr.Building)
	}

	out := strings.Join(parts, " ")
	return strings.TrimSpace(out)
}

// glDescMaxLen guards Entrata's description length cap.
const glDescMaxLen = 100

// TrimGLDesc bounds a description for submission.
func TrimGLDesc(desc string) string {
	if len(desc) <= glDescMaxLen {
		return desc
	}
	return fmt.Sprintf("%s…", desc[:glDescMaxLen-3])
}
