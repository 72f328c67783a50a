package execution

import (
	"strings"

	"github.com/itsneelabh/orchestra/backend"
)

// ToolProtocol names which structural heuristic set applies to the caller's
// output shape.
type ToolProtocol string

const (
	ProtocolGeneral       ToolProtocol = "general"
	ProtocolSearchReplace ToolProtocol = "search_replace"
	ProtocolBlockEdit     ToolProtocol = "block_edit"
)

// detectTruncation is true if either the backend's explicit finish reason
// is "length" or the response structure looks incomplete, per §4.I.
func detectTruncation(resp *backend.Response, inputChars int, protocol ToolProtocol) bool {
	if resp.Metadata.FinishReason == backend.FinishLength {
		return true
	}
	content := resp.Content

	if !bracesBalanced(content) {
		return true
	}
	if unterminatedFence(content) {
		return true
	}
	if trailingEllipsis(content) {
		return true
	}
	if protocol == ProtocolSearchReplace && unmatchedSearchReplace(content) {
		return true
	}
	if protocol == ProtocolBlockEdit && inputChars > 0 && len(content) < inputChars/2 {
		return true
	}
	return false
}

func bracesBalanced(s string) bool {
	var stack []byte
	pairs := map[byte]byte{'}': '{', ']': '[', ')': '('}
	inString := false
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = true
			quote = c
		case '{', '[', '(':
			stack = append(stack, c)
		case '}', ']', ')':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

func unterminatedFence(s string) bool {
	count := strings.Count(s, "```")
	return count%2 != 0
}

func trailingEllipsis(s string) bool {
	trimmed := strings.TrimRight(s, " \n\t\r")
	return strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…")
}

func unmatchedSearchReplace(s string) bool {
	searchCount := strings.Count(s, "<<<<<<< SEARCH")
	divCount := strings.Count(s, "=======")
	replaceCount := strings.Count(s, ">>>>>>> REPLACE")
	return searchCount != replaceCount || searchCount != divCount
}
