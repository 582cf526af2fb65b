package tts

import (
	"regexp"
	"sort"
	"strings"
)

var letterNames = map[rune]string{
	'a': "eh", 'b': "bee", 'c': "see", 'd': "dee", 'e': "ee", 'f': "eff",
	'g': "jee", 'h': "ehch", 'i': "eye", 'j': "jay", 'k': "kay", 'l': "el",
	'm': "em", 'n': "en", 'o': "oh", 'p': "pee", 'q': "cue", 'r': "are",
	's': "ess", 't': "tee", 'u': "you", 'v': "vee", 'w': "double you",
	'x': "ecks", 'y': "why", 'z': "zee",
	'0': "zero", '1': "one", '2': "two", '3': "three", '4': "four",
	'5': "five", '6': "six", '7': "seven", '8': "eight", '9': "nine",
}

// acronyms are read letter by letter.
var acronyms = []string{
	"gpt", "ai", "api", "tts", "ssh", "http", "url", "amd", "cpu", "tldr",
	"lts", "ip", "html", "mp3", "mp4", "ogg", "ogv", "ssl", "ml", "sdk",
	"cljs", "ui",
}

// respellings for words the voice model reliably gets wrong.
var respellings = map[string]string{
	"chatgpt":  "Chat jee pee tee",
	"openai":   "open eh eye",
	"strachan": "strohn",
	"emacs":    "eemacs",
	"nodejs":   "node jay ess",
	"filename": "file name",
	"openjdk":  "open jay dee kay",
	"xu":       "shoe",
	"cfar":     "see far",
}

var emojiNames = map[string]string{
	"🤗": "hugging face",
	"🦄": "unicorn",
}

var (
	acronymSet  = map[string]bool{}
	pronounceRE *regexp.Regexp
)

func init() {
	var words []string
	for _, a := range acronyms {
		acronymSet[a] = true
		words = append(words, regexp.QuoteMeta(a))
	}
	for w := range respellings {
		words = append(words, regexp.QuoteMeta(w))
	}
	var emoji []string
	for e := range emojiNames {
		emoji = append(emoji, regexp.QuoteMeta(e))
	}
	// longest first so "chatgpt" wins over "gpt"
	byLen := func(s []string) {
		sort.Slice(s, func(i, j int) bool {
			if len(s[i]) != len(s[j]) {
				return len(s[i]) > len(s[j])
			}
			return s[i] < s[j]
		})
	}
	byLen(words)
	byLen(emoji)
	pronounceRE = regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b|` + strings.Join(emoji, "|"))
}

func spell(acronym string) string {
	out := make([]string, 0, len(acronym))
	for _, r := range acronym {
		if name, ok := letterNames[r]; ok {
			out = append(out, name)
		}
	}
	return strings.Join(out, " ")
}

// Pronounce rewrites text so the voice model reads it correctly: acronyms
// are spelled out, known problem words respelled and emoji named.
func Pronounce(text string) string {
	return pronounceRE.ReplaceAllStringFunc(text, func(m string) string {
		low := strings.ToLower(m)
		switch {
		case acronymSet[low]:
			return spell(low)
		case respellings[low] != "":
			return respellings[low]
		case emojiNames[m] != "":
			return emojiNames[m]
		}
		return m
	})
}
