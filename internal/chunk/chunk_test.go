package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit_ShortTextUnchanged(t *testing.T) {
	chunks := Split("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("unexpected chunks %v", chunks)
	}
}

func TestSplit_Empty(t *testing.T) {
	if chunks := Split("", 100); chunks != nil {
		t.Errorf("expected nil, got %v", chunks)
	}
}

func TestSplit_PrefersNewlines(t *testing.T) {
	text := "first line\nsecond line\nthird line"
	chunks := Split(text, 14)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "first line" || chunks[1] != "second line" || chunks[2] != "third line" {
		t.Errorf("unexpected chunks %v", chunks)
	}
}

func TestSplit_WordBoundaries(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	for _, chunk := range Split(text, 12) {
		if len(chunk) > 12 {
			t.Errorf("chunk over limit: %q", chunk)
		}
		if strings.TrimSpace(chunk) == "" {
			t.Errorf("empty chunk emitted")
		}
	}
}

func TestSplit_OversizedWordHardBreak(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks := Split(text, 10)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %v", chunks)
	}
	if strings.Join(chunks, "") != text {
		t.Error("hard break lost characters")
	}
}

func TestSplit_HardBreakKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("é", 30)
	chunks := Split(text, 7)
	for i, chunk := range chunks {
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %d splits a rune: %q", i, chunk)
		}
		if len(chunk) > 7 {
			t.Errorf("chunk %d over limit: %q", i, chunk)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Errorf("hard break lost characters: %v", chunks)
	}
}

func TestSplit_Reassembly(t *testing.T) {
	text := "The quick brown fox\njumps over the lazy dog and keeps running across the field"
	chunks := Split(text, 20)

	var wordsOut []string
	for _, chunk := range chunks {
		if len(chunk) > 20 {
			t.Errorf("chunk over limit: %q", chunk)
		}
		wordsOut = append(wordsOut, strings.Fields(chunk)...)
	}
	wordsIn := strings.Fields(text)
	if strings.Join(wordsIn, " ") != strings.Join(wordsOut, " ") {
		t.Errorf("content lost: %v vs %v", wordsIn, wordsOut)
	}
}

func TestSplit_ProviderLimits(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	for _, limit := range []int{TelephonyLimit, WebLimit} {
		for _, chunk := range Split(long, limit) {
			if len(chunk) > limit {
				t.Errorf("limit %d: chunk length %d", limit, len(chunk))
			}
		}
	}
}
