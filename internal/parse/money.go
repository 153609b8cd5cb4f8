package parse

import (
	"regexp"
	"strconv"
	"strings"
)

// Money candidates are substrings that either carry a currency marker or a
// two-decimal fraction; bare integers are ignored so invoice numbers and
// quantities do not look like amounts.
var moneyRe = regexp.MustCompile(`(?i)(?:USD|EUR|GBP|[$€£])\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)|\b([0-9][0-9,]*\.[0-9]{2})\b`)

// Labels that anchor the tie-break. "Total Due", "Grand Total" etc. all
// contain one of these words.
var totalLabelRe = regexp.MustCompile(`(?i)\b(?:total|amount\s+due|balance|amount)\b:?`)

type moneyCandidate struct {
	value float64
	start int
}

// pickTotal disambiguates multiple money-like substrings with a fixed rule:
//  1. the candidate nearest after a total/amount-due/balance label,
//  2. else the largest value,
//  3. else (equal values) the last occurrence.
func pickTotal(text string) (float64, bool) {
	cands := moneyCandidates(text)
	if len(cands) == 0 {
		return 0, false
	}
	if len(cands) == 1 {
		return cands[0].value, true
	}

	labels := totalLabelRe.FindAllStringIndex(text, -1)
	bestDist := -1
	var best moneyCandidate
	for _, lbl := range labels {
		for _, c := range cands {
			dist := c.start - lbl[1]
			if dist < 0 {
				continue
			}
			if bestDist == -1 || dist < bestDist {
				bestDist = dist
				best = c
			}
		}
	}
	if bestDist >= 0 {
		return best.value, true
	}

	// No label in sight: largest value, last occurrence on ties.
	best = cands[0]
	for _, c := range cands[1:] {
		if c.value >= best.value {
			best = c
		}
	}
	return best.value, true
}

func moneyCandidates(text string) []moneyCandidate {
	var out []moneyCandidate
	for _, m := range moneyRe.FindAllStringSubmatchIndex(text, -1) {
		// group 1: currency-marked amount, group 2: decimal amount
		raw := ""
		if m[2] >= 0 {
			raw = text[m[2]:m[3]]
		} else if m[4] >= 0 {
			raw = text[m[4]:m[5]]
		}
		raw = strings.ReplaceAll(raw, ",", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		out = append(out, moneyCandidate{value: v, start: m[0]})
	}
	return out
}
