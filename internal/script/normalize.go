package script

import (
	"math"
	"strings"
)

// SentencePause is the silence inserted between sentences split out of one
// text unit.
const SentencePause = 0.1

// Normalize runs the three segmentation passes in order: adjacent text merge,
// sentence splitting, silence coalescing. No pass reorders units.
func Normalize(units []Unit, splitter Splitter) []Unit {
	return MergeSilence(SplitSentences(MergeAdjacent(units), splitter))
}

// MergeAdjacent joins runs of text units into one, trimming the whitespace at
// each seam and joining with a single space. Blank text units are dropped.
func MergeAdjacent(units []Unit) []Unit {
	out := make([]Unit, 0, len(units))
	var acc *string
	flush := func() {
		if acc != nil {
			out = append(out, Text(*acc))
			acc = nil
		}
	}
	for _, u := range units {
		if u.IsSilence() {
			flush()
			out = append(out, u)
			continue
		}
		if strings.TrimSpace(u.Text) == "" {
			continue
		}
		if acc == nil {
			s := u.Text
			acc = &s
			continue
		}
		joined := strings.TrimRight(*acc, " \t\r\n") + " " + strings.TrimLeft(u.Text, " \t\r\n")
		acc = &joined
	}
	flush()
	return out
}

// SplitSentences explodes every text unit holding more than one sentence into
// one unit per sentence, separated by SentencePause silences. Text comes out
// trimmed.
func SplitSentences(units []Unit, splitter Splitter) []Unit {
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		if u.IsSilence() {
			out = append(out, u)
			continue
		}
		sentences := splitter.Split(u.Text)
		if len(sentences) <= 1 {
			out = append(out, Text(strings.TrimSpace(u.Text)))
			continue
		}
		for i, s := range sentences {
			if i > 0 {
				out = append(out, Silence(SentencePause))
			}
			out = append(out, Text(s))
		}
	}
	return out
}

// MergeSilence sums runs of silence units and drops any silence left at the
// end of the script.
func MergeSilence(units []Unit) []Unit {
	out := make([]Unit, 0, len(units))
	var pending *Unit
	for _, u := range units {
		if u.IsSilence() {
			if pending == nil {
				p := u
				pending = &p
			} else {
				pending.Seconds = round1(pending.Seconds + u.Seconds)
			}
			continue
		}
		if pending != nil {
			out = append(out, *pending)
			pending = nil
		}
		out = append(out, u)
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
