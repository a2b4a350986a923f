package langdetect

import "strings"

// placeholder subtags that say nothing about the text's language
var nonLanguages = map[string]bool{"und": true, "mul": true, "zxx": true, "mis": true}

// hintCode reduces a declared language to its primary subtag. Hints come
// from RSS <language>, Content-Language style lists ("en-US, fr") and video
// audio tracks; only the first entry counts and q-weights are ignored.
// It returns "" when nothing usable is declared.
func hintCode(hint string) string {
	first, _, _ := strings.Cut(hint, ",")
	first, _, _ = strings.Cut(first, ";")
	first = strings.ToLower(strings.TrimSpace(first))

	primary := first
	if i := strings.IndexAny(first, "-_"); i >= 0 {
		primary = first[:i]
	}
	if len(primary) < 2 || len(primary) > 3 || nonLanguages[primary] {
		return ""
	}
	for i := 0; i < len(primary); i++ {
		if primary[i] < 'a' || primary[i] > 'z' {
			return ""
		}
	}
	return primary
}
