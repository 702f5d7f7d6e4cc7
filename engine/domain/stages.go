// Package domain defines the core pipeline vocabulary: stage prefixes, line
// records and their column schemas, content-addressed identities, date
// normalization, and the error taxonomy. It is the validation gate every
// worker goes through.
package domain

import "strings"

// Stage prefixes: ordered pipeline positions in the object store.
const (
	StagePending        = "Stage1_Pending/"
	StageStandard       = "Stage1_Standard/"
	StageLargeFile      = "Stage1_LargeFile/"
	StageChunks         = "Stage1_LargeFile_Chunks/"
	StageChunkResults   = "Stage1_LargeFile_Results/"
	StageParsedInputs   = "Stage2_ParsedInputs/"
	StageParsedOutputs  = "Stage3_ParsedOutputs/"
	StageEnriched       = "Stage4_EnrichedOutputs/"
	StageOverrides      = "Stage5_Overrides/"
	StagePreEntrata     = "Stage6_PreEntrata/"
	StagePostEntrata    = "Stage7_PostEntrata/"
	StageUBIAssigned    = "Stage8_UBI_Assigned/"
	StageArchive        = "Stage99_HistoricalArchive/"
	StageFailed         = "Failed/"
	EnrichmentExports   = "Enrichment/exports/"
	DimVendorPrefix     = EnrichmentExports + "dim_vendor/"
	DimPropertyPrefix   = EnrichmentExports + "dim_property/"
	DimGLPrefix         = EnrichmentExports + "dim_gl/"
)

// LargeFileMarker tags a filename that has already been promoted to the
// chunked path once; a marked file that fails again parks in Failed/ instead
// of looping.
const LargeFileMarker = "_LARGEFILE_"

// reservedPrefixes is the write allow-list enforced by the API surface.
var reservedPrefixes = []string{
	StagePending, StageStandard, StageLargeFile, StageChunks, StageChunkResults,
	StageParsedInputs, StageParsedOutputs, StageEnriched, StageOverrides,
	StagePreEntrata, StagePostEntrata, StageUBIAssigned, StageArchive,
	StageFailed, EnrichmentExports,
}

// AllowedKey reports whether key sits under a reserved stage prefix.
func AllowedKey(key string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// KeySuffix strips the given stage prefix from a key.
func KeySuffix(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

// BaseName returns the final path segment of a key.
func BaseName(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Stem returns the base name without its extension.
func Stem(key string) string {
	name := BaseName(key)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// SidecarExts are the companion files the router carries alongside a PDF;
// they hold rework hints from the review UI.
var SidecarExts = []string{".notes.json", ".rework.json"}

// SidecarKeys derives the sidecar keys adjacent to a PDF key. Consumers read
// sidecars by derived key, never by listing.
func SidecarKeys(pdfKey string) []string {
	base := pdfKey
	if i := strings.LastIndexByte(base, '.'); i > strings.LastIndexByte(base, '/') {
		base = base[:i]
	}
	out := make([]string, len(SidecarExts))
	for i, ext := range SidecarExts {
		out[i] = base + ext
	}
	return out
}

// ErrorSidecarKey is the diagnostic companion written next to a parked
// failure.
func ErrorSidecarKey(failedKey string) string {
	if strings.HasSuffix(strings.ToLower(failedKey), ".pdf") {
		return failedKey[:len(failedKey)-4] + ".error.json"
	}
	return failedKey + ".error.json"
}
