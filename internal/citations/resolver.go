// Package citations turns grounding metadata into inline markdown citations.
// Everything here is pure string/offset manipulation; no I/O.
package citations

import (
	"fmt"
	"sort"
	"strings"
)

// RefPrefix is the base of every short reference handed to the language model.
// Short URLs keep synthesis prompts small; Finalize swaps them back before the
// answer reaches a user.
const RefPrefix = "https://f.id/"

// Segment is one resolved grounding chunk backing a citation.
type Segment struct {
	Label    string `json:"label"`
	ShortRef string `json:"short_ref"`
	URI      string `json:"uri"`
}

// Citation anchors one or more segments to a span of the original answer
// text. Offsets are byte offsets into the original text, never into the
// progressively edited one. EndOffset is a pointer because a grounding
// support without an end index has no usable anchor point.
type Citation struct {
	StartOffset int        `json:"start_offset"`
	EndOffset   *int       `json:"end_offset"`
	Segments    []*Segment `json:"segments"`
}

// Source is a reportable origin of information, deduplicated by URI.
type Source struct {
	Label    string `json:"label"`
	URI      string `json:"uri"`
	ShortRef string `json:"short_ref"`
}

// ResolveURLs assigns each distinct URI in the batch a stable short
// reference of the form RefPrefix + batchID + "-" + firstOccurrenceIndex.
// Repeated URIs reuse the reference of their first occurrence, so resolving
// the same batch twice yields the same mapping.
func ResolveURLs(rawURIs []string, batchID string) map[string]string {
	resolved := make(map[string]string, len(rawURIs))
	for idx, uri := range rawURIs {
		if uri == "" {
			continue
		}
		if _, ok := resolved[uri]; ok {
			continue
		}
		resolved[uri] = fmt.Sprintf("%s%s-%d", RefPrefix, batchID, idx)
	}
	return resolved
}

// InsertMarkers inserts one marker string per citation at the citation's end
// offset. Citations are processed sorted by (endOffset desc, startOffset
// desc) so every insertion lands on byte positions that later (lower-offset)
// insertions have not yet shifted. Citations without segments or without an
// end offset carry no anchor and are skipped whole; individual unresolved
// segments are skipped without failing their citation.
func InsertMarkers(text string, cites []Citation) string {
	if len(cites) == 0 {
		return text
	}

	sorted := make([]Citation, len(cites))
	copy(sorted, cites)
	sort.SliceStable(sorted, func(i, j int) bool {
		ei, ej := sorted[i].EndOffset, sorted[j].EndOffset
		// Anchorless citations sort last; they are skipped below anyway.
		if ei == nil || ej == nil {
			return ej == nil && ei != nil
		}
		if *ei != *ej {
			return *ei > *ej
		}
		return sorted[i].StartOffset > sorted[j].StartOffset
	})

	for _, c := range sorted {
		if c.EndOffset == nil || len(c.Segments) == 0 {
			continue
		}
		var marker strings.Builder
		for _, seg := range c.Segments {
			if seg == nil || seg.ShortRef == "" {
				continue
			}
			marker.WriteString(" [")
			marker.WriteString(seg.Label)
			marker.WriteString("](")
			marker.WriteString(seg.ShortRef)
			marker.WriteString(")")
		}
		if marker.Len() == 0 {
			continue
		}
		at := *c.EndOffset
		if at < 0 {
			at = 0
		}
		if at > len(text) {
			at = len(text)
		}
		text = text[:at] + marker.String() + text[at:]
	}
	return text
}

// Finalize rewrites every short reference present in the synthesized text
// back to its literal source URI and returns the deduplicated list of
// sources that actually appear. Sources whose reference never made it into
// the text are dropped: the user only sees what the answer cites.
func Finalize(text string, sources []Source) (string, []Source) {
	// Refs share a prefix and end in a decimal index, so ref "-1" is a
	// substring of ref "-10". Replacing longest-first keeps a short ref
	// from matching inside a longer one.
	ordered := make([]Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].ShortRef) > len(ordered[j].ShortRef)
	})

	appears := make(map[string]bool, len(sources))
	for _, src := range ordered {
		if src.ShortRef == "" || !strings.Contains(text, src.ShortRef) {
			continue
		}
		appears[src.ShortRef] = true
		text = strings.ReplaceAll(text, src.ShortRef, src.URI)
	}

	used := make([]Source, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if !appears[src.ShortRef] || seen[src.URI] {
			continue
		}
		seen[src.URI] = true
		used = append(used, src)
	}
	return text, used
}
