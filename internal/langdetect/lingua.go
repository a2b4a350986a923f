package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

// Undetermined is stored when no language can be identified.
const Undetermined = "und"

const (
	minLetters    = 6
	sampleRunes   = 2000
	minConfidence = 0.35
)

// Detector identifies the language of extracted text. The lingua models are
// loaded on first use.
type Detector struct {
	once      sync.Once
	languages []lingua.Language
	detector  lingua.LanguageDetector
}

// NewDetector builds a detector over languages, or all languages when none
// are given.
func NewDetector(languages ...lingua.Language) *Detector {
	return &Detector{languages: languages}
}

// Detect returns the ISO 639-1 code for text. When the text is too short or
// ambiguous it falls back to the source's declared language, then to "und".
func (d *Detector) Detect(text, hint string) string {
	if code := d.detect(text); code != "" {
		return code
	}
	if code := hintCode(hint); code != "" {
		return code
	}
	return Undetermined
}

func (d *Detector) detect(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}
	if runes := []rune(sample); len(runes) > sampleRunes {
		sample = string(runes[:sampleRunes])
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < minLetters {
		return ""
	}

	det := d.get()
	language, exists := det.DetectLanguageOf(sample)
	if !exists {
		return ""
	}
	if det.ComputeLanguageConfidence(sample, language) < minConfidence {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func (d *Detector) get() lingua.LanguageDetector {
	d.once.Do(func() {
		var builder lingua.LanguageDetectorBuilder
		if len(d.languages) >= 2 {
			builder = lingua.NewLanguageDetectorBuilder().FromLanguages(d.languages...)
		} else {
			builder = lingua.NewLanguageDetectorBuilder().FromAllLanguages()
		}
		d.detector = builder.Build()
	})
	return d.detector
}
