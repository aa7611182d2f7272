package streamparse

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

// ErrNoWorkflow is returned when text holds no usable workflow document.
var ErrNoWorkflow = errors.New("no workflow found in text")

// DefaultDisplay replaces display text that is empty once the workflow
// document has been cut out.
const DefaultDisplay = "I've created a workflow visualization for you based on your requirements."

var (
	fencedJSON  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	emptyFence  = regexp.MustCompile("```(?:json)?\\s*```")
	extraBlanks = regexp.MustCompile(`\n{3,}`)
)

// Extraction is a workflow recovered from free text.
type Extraction struct {
	Graph graph.Graph
	// Raw is the JSON text the graph was decoded from.
	Raw string
	// Display is the input with the workflow document removed.
	Display string
	// Repaired is set when the document had to be repaired before decoding.
	Repaired bool
}

// ExtractWorkflow finds a workflow document in text. A fenced JSON block
// is preferred; otherwise the largest balanced object carrying nodes and
// edges wins. As a last resort a truncated trailing document is repaired.
func ExtractWorkflow(text string) (Extraction, error) {
	for _, m := range fencedJSON.FindAllStringSubmatchIndex(text, -1) {
		raw := text[m[2]:m[3]]
		if g, repaired, ok := decodeWorkflow(raw); ok {
			return Extraction{
				Graph:    g,
				Raw:      raw,
				Display:  display(text, text[m[0]:m[1]]),
				Repaired: repaired,
			}, nil
		}
	}

	buf := []byte(text)
	var s scanner
	_, all := s.advance(buf)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].end-all[i].start > all[j].end-all[j].start
	})
	for _, sp := range all {
		raw := text[sp.start:sp.end]
		if !strings.Contains(raw, `"nodes"`) {
			continue
		}
		if g, repaired, ok := decodeWorkflow(raw); ok {
			return Extraction{Graph: g, Raw: raw, Display: display(text, raw), Repaired: repaired}, nil
		}
	}

	for _, start := range s.open() {
		raw := text[start:]
		if !strings.Contains(raw, `"nodes"`) {
			continue
		}
		repairedText, err := jsonrepair.JSONRepair(raw)
		if err != nil {
			continue
		}
		if g, ok := parseWorkflow(repairedText); ok {
			return Extraction{Graph: g, Raw: raw, Display: display(text, raw), Repaired: true}, nil
		}
	}

	return Extraction{Display: strings.TrimSpace(text)}, ErrNoWorkflow
}

// decodeWorkflow parses raw as a workflow, retrying once through
// jsonrepair for trailing commas, single quotes and similar damage.
func decodeWorkflow(raw string) (graph.Graph, bool, bool) {
	if g, ok := parseWorkflow(raw); ok {
		return g, false, true
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return graph.Graph{}, false, false
	}
	if g, ok := parseWorkflow(fixed); ok {
		return g, true, true
	}
	return graph.Graph{}, false, false
}

func parseWorkflow(raw string) (graph.Graph, bool) {
	g, err := graph.ParseDocument([]byte(raw))
	if err != nil || g.IsEmpty() {
		return graph.Graph{}, false
	}
	return g, true
}

func display(text, cut string) string {
	out := strings.Replace(text, cut, "", 1)
	out = emptyFence.ReplaceAllString(out, "")
	out = extraBlanks.ReplaceAllString(out, "\n\n")
	out = strings.TrimSpace(out)
	if len(out) < 10 {
		return DefaultDisplay
	}
	return out
}
