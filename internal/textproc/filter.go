// Package textproc cleans raw transcription output before it reaches the
// conversation layer. It drops recognizer hallucinations (boilerplate the
// model emits for near-silent audio) and suppresses duplicate or
// slightly-extended repeats caused by overlapping recognition windows.
package textproc

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// minTextRunes rejects one-letter fragments.
	minTextRunes = 2

	// maxTextRunes rejects runaway transcriptions; real utterances in a
	// therapy call never approach this in one accumulation window.
	maxTextRunes = 300

	// maxSentenceMarks rejects texts with too many sentence terminators,
	// a signature of the model transcribing background media.
	maxSentenceMarks = 3
)

// hallucinationPhrases is the curated boilerplate the transcription model
// produces for silence or noise. Matching is case-insensitive substring.
var hallucinationPhrases = []string{
	"субтитры сделал",
	"субтитры создавал",
	"субтитры подготовил",
	"редактор субтитров",
	"корректор а.егорова",
	"продолжение следует",
	"спасибо за просмотр",
	"спасибо, что посмотрели",
	"подписывайтесь на канал",
	"ставьте лайки",
	"до новых встреч",
	"добро пожаловать на канал",
	"dimatorzok",
	"thank you for watching",
	"thanks for watching",
	"subtitles by",
}

// fillerPattern matches texts consisting only of hesitation sounds and
// punctuation ("эээ", "м-м", "ага.").
var fillerPattern = regexp.MustCompile(`(?i)^[\s.,!?…—–-]*(?:[эеаоу]+|м+|х+м*|ага|угу|ну)?[\s.,!?…—–-]*$`)

// sentenceMarks counts '.', '!' and '?' occurrences.
var sentenceMarks = regexp.MustCompile(`[.!?]`)

// IsHallucination reports whether a transcription should be dropped
// outright: empty or near-empty text, filler-only text, over-long text,
// too many sentences, or a known boilerplate phrase.
func IsHallucination(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	runes := utf8.RuneCountInString(trimmed)
	if runes < minTextRunes || runes > maxTextRunes {
		return true
	}
	if len(sentenceMarks.FindAllString(trimmed, -1)) > maxSentenceMarks {
		return true
	}
	if fillerPattern.MatchString(trimmed) {
		return true
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range hallucinationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
