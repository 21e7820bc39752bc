// Package classify infers entry type, block subtype, service type and origin
// platform from feed content via layered keyword heuristics.
//
// Each field is resolved independently against an ordered list of signal
// layers: source URL first, then event text (summary, description, uid), then
// the raw serialized component, then the whole document, then a default.
// Evaluation stops at the first matching rule per field; higher-fidelity
// signals are cheaper and more reliable than scanning free text, so the layer
// order is part of the contract.
package classify

import (
	"strings"

	"github.com/tidewell/reservesync/internal/records"
)

// Input carries the signal layers for one feed event, highest fidelity first.
type Input struct {
	SourceURL    string
	EventText    string
	RawComponent string
	Document     string
}

// Result is the classification of one feed event.
type Result struct {
	EntryType      records.EntryType
	BlockSubtype   records.BlockSubtype
	ServiceType    records.ServiceType
	OriginPlatform records.OriginPlatform
}

// Classify resolves every classification field for one event.
func Classify(in Input) Result {
	layers := []string{
		strings.ToLower(in.SourceURL),
		strings.ToLower(in.EventText),
		strings.ToLower(in.RawComponent),
		strings.ToLower(in.Document),
	}

	out := Result{
		EntryType:      classifyEntryType(layers),
		OriginPlatform: classifyOrigin(layers),
	}
	out.BlockSubtype = classifyBlockSubtype(out.EntryType, layers)
	out.ServiceType = classifyServiceType(out.EntryType, layers)
	return out
}

type entryTypeRule struct {
	keywords []string
	result   records.EntryType
}

// Block indicators are checked before reservation indicators inside each
// layer: providers label blocks with phrases that often also contain the word
// "reservation" ("reservation blocked").
var entryTypeRules = []entryTypeRule{
	{keywords: []string{"not available", "unavailable", "blocked", "block", "owner stay", "hold"}, result: records.EntryTypeBlock},
	{keywords: []string{"reserved", "reservation", "booking", "guest"}, result: records.EntryTypeReservation},
}

func classifyEntryType(layers []string) records.EntryType {
	// The URL layer names the platform, not the event kind; skip it.
	for _, layer := range layers[1:] {
		for _, rule := range entryTypeRules {
			if containsAny(layer, rule.keywords) {
				return rule.result
			}
		}
	}
	return records.EntryTypeReservation
}

type blockSubtypeRule struct {
	keywords []string
	result   records.BlockSubtype
}

var blockSubtypeRules = []blockSubtypeRule{
	{keywords: []string{"owner stay", "owner block", "owner"}, result: records.BlockSubtypeOwner},
	{keywords: []string{"maintenance", "repair", "renovation"}, result: records.BlockSubtypeMaintenance},
}

func classifyBlockSubtype(entryType records.EntryType, layers []string) records.BlockSubtype {
	if entryType != records.EntryTypeBlock {
		return records.BlockSubtypeNone
	}
	for _, layer := range layers[1:] {
		for _, rule := range blockSubtypeRules {
			if containsAny(layer, rule.keywords) {
				return rule.result
			}
		}
	}
	return records.BlockSubtypeNone
}

type serviceTypeRule struct {
	keywords []string
	result   records.ServiceType
}

var serviceTypeRules = []serviceTypeRule{
	{keywords: []string{"deep clean", "deep-clean"}, result: records.ServiceTypeDeepClean},
	{keywords: []string{"inspection", "inspect"}, result: records.ServiceTypeInspection},
}

func classifyServiceType(entryType records.EntryType, layers []string) records.ServiceType {
	for _, layer := range layers[1:] {
		for _, rule := range serviceTypeRules {
			if containsAny(layer, rule.keywords) {
				return rule.result
			}
		}
	}
	if entryType == records.EntryTypeBlock {
		return records.ServiceTypeNone
	}
	return records.ServiceTypeTurnover
}

type originRule struct {
	keywords []string
	result   records.OriginPlatform
}

var originRules = []originRule{
	{keywords: []string{"airbnb"}, result: records.OriginAirbnb},
	{keywords: []string{"vrbo", "homeaway"}, result: records.OriginVrbo},
	{keywords: []string{"booking.com", "booking.net"}, result: records.OriginBooking},
	{keywords: []string{"direct booking", "owner portal"}, result: records.OriginDirect},
}

func classifyOrigin(layers []string) records.OriginPlatform {
	for _, layer := range layers {
		for _, rule := range originRules {
			if containsAny(layer, rule.keywords) {
				return rule.result
			}
		}
	}
	return records.OriginUnknown
}

func containsAny(haystack string, keywords []string) bool {
	if haystack == "" {
		return false
	}
	for _, keyword := range keywords {
		if strings.Contains(haystack, keyword) {
			return true
		}
	}
	return false
}
