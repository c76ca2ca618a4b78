package linkindex

import (
	"sort"
	"strings"
)

// wikilinkToken is one [[...]] occurrence with byte offsets into the
// source text, used for in-place rewriting during rename propagation.
// Offsets are byte offsets, so they stay valid for multi-byte UTF-8
// content as long as edits are applied in descending order.
type wikilinkToken struct {
	name   string // target name, before any # or |
	suffix string // trailing "#anchor" and/or "|alias", possibly empty
	start  int    // byte offset of the opening "[["
	end    int    // byte offset just past the closing "]]"
}

// ExtractWikilinks returns the target names of every wikilink in the
// markdown, in document order, duplicates preserved. Link-like text inside
// fenced code blocks and inline code spans is ignored, as are links with
// empty target names ("[[]]", "[[#Anchor]]").
func ExtractWikilinks(markdown string) []string {
	tokens := scanWikilinks(markdown)
	if len(tokens) == 0 {
		return nil
	}
	names := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		names = append(names, tok.name)
	}
	return names
}

func scanWikilinks(markdown string) []wikilinkToken {
	var tokens []wikilinkToken
	inFence := false
	offset := 0
	for _, line := range strings.SplitAfter(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			offset += len(line)
			continue
		}
		if !inFence {
			tokens = append(tokens, scanLine(line, offset)...)
		}
		offset += len(line)
	}
	return tokens
}

// scanLine extracts wikilink tokens from one line, skipping inline code
// spans. An unclosed backtick makes the rest of the line code.
func scanLine(line string, lineOffset int) []wikilinkToken {
	var tokens []wikilinkToken
	i := 0
	for i < len(line) {
		if line[i] == '`' {
			close := strings.IndexByte(line[i+1:], '`')
			if close < 0 {
				break
			}
			i += close + 2
			continue
		}
		if !strings.HasPrefix(line[i:], "[[") {
			i++
			continue
		}
		end := strings.Index(line[i+2:], "]]")
		if end < 0 {
			break
		}
		inner := line[i+2 : i+2+end]
		tokenEnd := i + 2 + end + 2
		name := inner
		suffix := ""
		if cut := strings.IndexAny(inner, "#|"); cut >= 0 {
			name = inner[:cut]
			suffix = inner[cut:]
		}
		if name != "" {
			tokens = append(tokens, wikilinkToken{
				name:   name,
				suffix: suffix,
				start:  lineOffset + i,
				end:    lineOffset + tokenEnd,
			})
		}
		i = tokenEnd
	}
	return tokens
}

// RewriteWikilinks replaces every wikilink targeting oldName with newName,
// preserving anchor and alias suffixes. Edits are applied in descending
// offset order so earlier offsets stay valid. Returns the rewritten text
// and the number of links changed.
func RewriteWikilinks(markdown, oldName, newName string) (string, int) {
	tokens := scanWikilinks(markdown)
	matches := tokens[:0:0]
	for _, tok := range tokens {
		if tok.name == oldName {
			matches = append(matches, tok)
		}
	}
	if len(matches) == 0 {
		return markdown, 0
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start > matches[j].start })
	out := markdown
	for _, tok := range matches {
		out = out[:tok.start] + "[[" + newName + tok.suffix + "]]" + out[tok.end:]
	}
	return out, len(matches)
}
