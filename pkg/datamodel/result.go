package datamodel

import "strings"

// ScanResult is the canonical scan record. Every field is always set, even when
// the scanning service omitted it.
type ScanResult struct {
	Verdict                        string      `json:"verdict"`
	IsExecutable                   bool        `json:"is_executable"`
	Filename                       *string     `json:"filename"`
	FileHash                       *string     `json:"file_hash"`
	MalwareType                    string      `json:"malware_type"`
	MalwareFamily                  *string     `json:"malware_family"`
	DetectionReason                *string     `json:"detection_reason"`
	NgramScore                     float64     `json:"ngram_score"`
	Entropy                        float64     `json:"entropy"`
	SuspicionScore                 float64     `json:"suspicion_score"`
	SuspiciousItems                []Suspicion `json:"suspicious_items"`
	ByteFrequencyAnomaly           float64     `json:"byte_frequency_anomaly"`
	ChiSquareScore                 float64     `json:"chi_square_score"`
	LongestRepeatingSequence       int64       `json:"longest_repeating_sequence"`
	UniqueByteRatio                float64     `json:"unique_byte_ratio"`
	AnomalousPatterns              []string    `json:"anomalous_patterns"`
	SteganographyIndicatorsPresent bool        `json:"steganography_indicators_present"`
	SteganographyScore             float64     `json:"steganography_score"`
}

type Suspicion struct {
	Pattern   string  `json:"pattern"`
	MatchText *string `json:"match_text"`
	Weight    float64 `json:"weight"`
}

const (
	DefaultMalwareType = "N/A"
	Unclassified       = "Unable to classify"
)

// IsClean reports whether the verdict is "clean", ignoring case.
func (r ScanResult) IsClean() bool {
	return strings.EqualFold(r.Verdict, "clean")
}

// Classification returns the "family.type" label shown to users, or
// Unclassified when the scanner could not classify the file.
func (r ScanResult) Classification() string {
	family := DefaultMalwareType
	if r.MalwareFamily != nil && *r.MalwareFamily != "" {
		family = *r.MalwareFamily
	}
	malwareType := r.MalwareType
	if malwareType == "" {
		malwareType = DefaultMalwareType
	}
	composite := family + "." + malwareType
	if strings.Contains(composite, "null") || strings.Contains(composite, "Failed") {
		return Unclassified
	}
	return composite
}
