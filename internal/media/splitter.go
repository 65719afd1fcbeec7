// Package media separates media references from prose in agent output and
// enforces the local-file size cap on outbound attachments.
//
// The extraction grammar is deliberately narrow: absolute http(s) URLs, and
// absolute filesystem paths whose extension marks them as media. Anything
// else stays in the prose.
package media

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	urlRe  = regexp.MustCompile(`https?://[^\s]+`)
	pathRe = regexp.MustCompile(`(?i)/[^\s]+\.(?:jpe?g|png|gif|webp|mp4|mov|webm|mp3|ogg|opus|wav|m4a|pdf)\b`)

	audioExts = map[string]bool{
		".mp3": true, ".ogg": true, ".opus": true, ".wav": true,
		".m4a": true, ".amr": true, ".aac": true,
	}

	spacesRe = regexp.MustCompile(`[ \t]+`)
)

// SplitResult is the outcome of scanning one text for media references.
type SplitResult struct {
	// Text is the prose with extracted tokens removed.
	Text string
	// URLs holds extracted references in order of appearance: http(s)
	// URLs and absolute local media paths.
	URLs []string
}

// Split extracts media references from text, preserving the remaining prose.
func Split(text string) SplitResult {
	if text == "" {
		return SplitResult{}
	}

	var urls []string
	remaining := urlRe.ReplaceAllStringFunc(text, func(match string) string {
		urls = append(urls, strings.TrimRight(match, ".,;:!?)"))
		return " "
	})
	remaining = pathRe.ReplaceAllStringFunc(remaining, func(match string) string {
		urls = append(urls, match)
		return " "
	})

	lines := strings.Split(remaining, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacesRe.ReplaceAllString(line, " "))
	}
	prose := strings.TrimSpace(strings.Join(lines, "\n"))
	return SplitResult{Text: prose, URLs: urls}
}

// FilterBySize drops local paths whose file size exceeds maxMb megabytes.
// Remote http(s) URLs pass through unconditionally; maxMb <= 0 disables the
// cap. Unreadable local files are dropped and logged.
func FilterBySize(urls []string, maxMb float64, logger *slog.Logger) []string {
	if len(urls) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxBytes := int64(maxMb * 1024 * 1024)
	kept := make([]string, 0, len(urls))
	for _, ref := range urls {
		if IsRemote(ref) {
			kept = append(kept, ref)
			continue
		}
		if maxBytes <= 0 {
			kept = append(kept, ref)
			continue
		}
		info, err := os.Stat(ref)
		if err != nil {
			logger.Warn("dropping unreadable media path", "path", ref, "error", err)
			continue
		}
		if info.Size() > maxBytes {
			logger.Info("dropping oversized media file",
				"path", ref,
				"size_bytes", info.Size(),
				"max_mb", maxMb)
			continue
		}
		kept = append(kept, ref)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// IsRemote reports whether ref is an http(s) URL rather than a local path.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// IsAudioPath reports whether path looks like an audio file eligible for
// transcription.
func IsAudioPath(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}
