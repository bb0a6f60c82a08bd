package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// WhatsApp renders *bold*, not markdown **bold**.
var boldRe = regexp.MustCompile(`\*\*([^*]+)\*\*`)

var (
	urlRe         = regexp.MustCompile(`https?://\S+`)
	placeholderRe = regexp.MustCompile(`\[\[URL(\d+)\]\]`)
)

const (
	// Replies shorter than this go out as a single message.
	splitThreshold = 100
	// Target upper bound for one chunk.
	chunkMax = 150
)

// SplitReply prepares an assistant reply for delivery: normalizes markdown
// bold to the WhatsApp style and splits long replies into short messages on
// sentence boundaries. URLs are never split.
func SplitReply(text string) []string {
	text = strings.TrimSpace(boldRe.ReplaceAllString(text, `*$1*`))
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) < splitThreshold {
		return []string{text}
	}

	// Mask URLs so sentence splitting cannot break them.
	var urls []string
	masked := urlRe.ReplaceAllStringFunc(text, func(u string) string {
		urls = append(urls, u)
		return fmt.Sprintf("[[URL%d]]", len(urls)-1)
	})

	chunks := mergeSentences(splitSentences(masked))
	if len(chunks) <= 1 {
		chunks = hardWrap(masked)
	}

	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		restored := placeholderRe.ReplaceAllStringFunc(chunk, func(ph string) string {
			var i int
			if _, err := fmt.Sscanf(ph, "[[URL%d]]", &i); err != nil || i >= len(urls) {
				return ph
			}
			return urls[i]
		})
		restored = strings.TrimSpace(restored)
		if restored != "" {
			out = append(out, restored)
		}
	}
	return out
}

// splitSentences breaks text after ., ! or ? followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') &&
			i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t') {
			sentences = append(sentences, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// mergeSentences groups consecutive sentences while keeping each group
// under chunkMax runes.
func mergeSentences(sentences []string) []string {
	var merged []string
	var cur string

	for _, s := range sentences {
		switch {
		case cur == "":
			cur = s
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(s) < chunkMax:
			cur += " " + s
		default:
			merged = append(merged, cur)
			cur = s
		}
	}
	if cur != "" {
		merged = append(merged, cur)
	}
	return merged
}

// hardWrap falls back to word-level wrapping when the text has no usable
// sentence boundaries.
func hardWrap(text string) []string {
	words := strings.Fields(text)

	var parts []string
	var cur string

	for _, w := range words {
		switch {
		case cur == "":
			cur = w
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(w) <= chunkMax:
			cur += " " + w
		default:
			parts = append(parts, cur)
			cur = w
		}
	}
	if cur != "" {
		parts = append(parts, cur)
	}
	return parts
}
