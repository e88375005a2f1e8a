package channels

import "strings"

// ChunkText splits text into provider-legal pieces of at most limit bytes,
// preferring to break at a newline, then at a space, inside the final
// quarter of the window. limit <= 0 means no chunking.
func ChunkText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		window := text[:limit]
		cut := limit
		if idx := strings.LastIndexByte(window, '\n'); idx >= limit*3/4 {
			cut = idx + 1
		} else if idx := strings.LastIndexByte(window, ' '); idx >= limit*3/4 {
			cut = idx + 1
		}
		if chunk := strings.TrimRight(text[:cut], " \n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = text[cut:]
	}
	if trimmed := strings.TrimRight(text, " \n"); trimmed != "" {
		chunks = append(chunks, trimmed)
	}
	return chunks
}

// ClampPollOptions truncates options to the provider maximum. max <= 0 means
// no clamp.
func ClampPollOptions(options []string, max int) []string {
	if max <= 0 || len(options) <= max {
		return options
	}
	return options[:max]
}
