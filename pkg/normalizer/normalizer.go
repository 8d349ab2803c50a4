// Package normalizer maps the JSON objects returned by the various revisions of
// the scanning service onto datamodel.ScanResult.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/glimps-re/scan-proxy/pkg/datamodel"
)

// ErrMalformedUpstreamResponse is returned when the payload carries no usable verdict.
var ErrMalformedUpstreamResponse = errors.New("malformed upstream response")

// noSuspicion is what one scanner revision sends in suspicious_imports when it
// found nothing.
const noSuspicion = "no"

// field copies the first non-null source key into the result. assign reports
// false when the value has an unexpected type, so the next source is tried.
type field struct {
	sources []string
	assign  func(r *datamodel.ScanResult, v any) bool
}

// fields lists every optional canonical field. Defaults are set by newResult.
var fields = []field{
	{sources: []string{"is_executable"}, assign: boolField(func(r *datamodel.ScanResult) *bool { return &r.IsExecutable })},
	{sources: []string{"file_hash", "sha256_hash"}, assign: nullableStringField(func(r *datamodel.ScanResult) **string { return &r.FileHash })},
	{sources: []string{"malware_type"}, assign: stringField(func(r *datamodel.ScanResult) *string { return &r.MalwareType })},
	{sources: []string{"malware_family"}, assign: nullableStringField(func(r *datamodel.ScanResult) **string { return &r.MalwareFamily })},
	{sources: []string{"detection_reason"}, assign: nullableStringField(func(r *datamodel.ScanResult) **string { return &r.DetectionReason })},
	{sources: []string{"ngram_score"}, assign: floatField(func(r *datamodel.ScanResult) *float64 { return &r.NgramScore })},
	{sources: []string{"entropy"}, assign: floatField(func(r *datamodel.ScanResult) *float64 { return &r.Entropy })},
	{sources: []string{"suspicion_score"}, assign: floatField(func(r *datamodel.ScanResult) *float64 { return &r.SuspicionScore })},
	{sources: []string{"suspicions", "suspicious_imports"}, assign: suspicionsField},
	{sources: []string{"byte_frequency_anomaly"}, assign: floatField(func(r *datamodel.ScanResult) *float64 { return &r.ByteFrequencyAnomaly })},
	{sources: []string{"chi_square_score"}, assign: floatField(func(r *datamodel.ScanResult) *float64 { return &r.ChiSquareScore })},
	{sources: []string{"longest_repeating_sequence"}, assign: intField(func(r *datamodel.ScanResult) *int64 { return &r.LongestRepeatingSequence })},
	{sources: []string{"unique_byte_ratio"}, assign: floatField(func(r *datamodel.ScanResult) *float64 { return &r.UniqueByteRatio })},
	{sources: []string{"anomalous_patterns"}, assign: stringsField(func(r *datamodel.ScanResult) *[]string { return &r.AnomalousPatterns })},
	{sources: []string{"steganography_indicators_present"}, assign: boolField(func(r *datamodel.ScanResult) *bool { return &r.SteganographyIndicatorsPresent })},
	{sources: []string{"steganography_score"}, assign: floatField(func(r *datamodel.ScanResult) *float64 { return &r.SteganographyScore })},
}

func newResult() datamodel.ScanResult {
	return datamodel.ScanResult{
		MalwareType:       datamodel.DefaultMalwareType,
		SuspiciousItems:   []datamodel.Suspicion{},
		AnomalousPatterns: []string{},
	}
}

// Normalize builds the canonical result for an upstream scan payload.
// clientFilename is used when the payload carries no filename.
func Normalize(upstream map[string]any, clientFilename string) (result datamodel.ScanResult, err error) {
	verdict, ok := upstream["verdict"].(string)
	if !ok {
		if _, present := upstream["verdict"]; present {
			err = fmt.Errorf("%w: verdict is not a string", ErrMalformedUpstreamResponse)
		} else {
			err = fmt.Errorf("%w: missing verdict", ErrMalformedUpstreamResponse)
		}
		return
	}

	result = newResult()
	result.Verdict = verdict

	filename, _ := upstream["filename"].(string)
	if filename == "" {
		filename = clientFilename
	}
	if filename != "" {
		result.Filename = &filename
	}

	for _, f := range fields {
		for _, key := range f.sources {
			v, present := upstream[key]
			if !present || v == nil {
				continue
			}
			if f.assign(&result, v) {
				break
			}
		}
	}
	return
}

// NormalizeJSON decodes raw as a JSON object and normalizes it.
func NormalizeJSON(raw []byte, clientFilename string) (result datamodel.ScanResult, err error) {
	upstream, err := Decode(raw)
	if err != nil {
		return
	}
	return Normalize(upstream, clientFilename)
}

// Decode parses raw as a single JSON object, keeping numbers as json.Number.
func Decode(raw []byte) (upstream map[string]any, err error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err = decoder.Decode(&upstream); err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedUpstreamResponse, err)
		return
	}
	if decoder.More() {
		err = fmt.Errorf("%w: trailing data after object", ErrMalformedUpstreamResponse)
		return
	}
	if upstream == nil {
		err = fmt.Errorf("%w: not an object", ErrMalformedUpstreamResponse)
	}
	return
}

func boolField(target func(r *datamodel.ScanResult) *bool) func(r *datamodel.ScanResult, v any) bool {
	return func(r *datamodel.ScanResult, v any) bool {
		b, ok := v.(bool)
		if ok {
			*target(r) = b
		}
		return ok
	}
}

func stringField(target func(r *datamodel.ScanResult) *string) func(r *datamodel.ScanResult, v any) bool {
	return func(r *datamodel.ScanResult, v any) bool {
		s, ok := v.(string)
		if ok {
			*target(r) = s
		}
		return ok
	}
}

func nullableStringField(target func(r *datamodel.ScanResult) **string) func(r *datamodel.ScanResult, v any) bool {
	return func(r *datamodel.ScanResult, v any) bool {
		s, ok := v.(string)
		if ok {
			*target(r) = &s
		}
		return ok
	}
}

func floatField(target func(r *datamodel.ScanResult) *float64) func(r *datamodel.ScanResult, v any) bool {
	return func(r *datamodel.ScanResult, v any) bool {
		f, ok := toFloat(v)
		if ok {
			*target(r) = f
		}
		return ok
	}
}

func intField(target func(r *datamodel.ScanResult) *int64) func(r *datamodel.ScanResult, v any) bool {
	return func(r *datamodel.ScanResult, v any) bool {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				*target(r) = i
				return true
			}
		}
		f, ok := toFloat(v)
		// float64(math.MaxInt64) rounds up to 2^63, which is already out of range
		if !ok || math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
			return false
		}
		*target(r) = int64(f)
		return true
	}
}

func stringsField(target func(r *datamodel.ScanResult) *[]string) func(r *datamodel.ScanResult, v any) bool {
	return func(r *datamodel.ScanResult, v any) bool {
		items, ok := v.([]any)
		if !ok {
			return false
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			switch s := item.(type) {
			case nil:
			case string:
				out = append(out, s)
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
		*target(r) = out
		return true
	}
}

func suspicionsField(r *datamodel.ScanResult, v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	out := make([]datamodel.Suspicion, 0, len(items))
	for _, item := range items {
		s, ok := toSuspicion(item)
		if !ok || strings.EqualFold(strings.TrimSpace(s.Pattern), noSuspicion) {
			continue
		}
		out = append(out, s)
	}
	r.SuspiciousItems = out
	return true
}

func toSuspicion(item any) (s datamodel.Suspicion, ok bool) {
	switch v := item.(type) {
	case map[string]any:
		return suspicionFromObject(v), true
	case string:
		decoder := json.NewDecoder(strings.NewReader(v))
		decoder.UseNumber()
		var obj map[string]any
		if err := decoder.Decode(&obj); err == nil && obj != nil && !decoder.More() {
			return suspicionFromObject(obj), true
		}
		return datamodel.Suspicion{Pattern: v}, true
	case nil:
		return
	default:
		return datamodel.Suspicion{Pattern: fmt.Sprint(v)}, true
	}
}

func suspicionFromObject(obj map[string]any) (s datamodel.Suspicion) {
	s.Pattern, _ = obj["pattern"].(string)
	if match, ok := obj["match_text"].(string); ok {
		s.MatchText = &match
	}
	s.Weight, _ = toFloat(obj["weight"])
	return
}

func toFloat(v any) (f float64, ok bool) {
	switch n := v.(type) {
	case json.Number:
		var err error
		f, err = n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return
}
