package rag

import "strings"

// Chunker splits documents at markdown headings and then into overlapping
// rune windows.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Split returns non-empty chunks in document order
func (c Chunker) Split(text string) []string {
	var chunks []string
	for _, section := range splitSections(text) {
		chunks = append(chunks, c.window(section)...)
	}
	return chunks
}

// splitSections cuts before every line starting with '#', keeping the
// heading with its body.
func splitSections(text string) []string {
	parts := strings.Split(text, "\n#")
	sections := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = "#" + p
		}
		if strings.TrimSpace(p) != "" {
			sections = append(sections, strings.TrimSpace(p))
		}
	}
	return sections
}

func (c Chunker) window(section string) []string {
	runes := []rune(section)
	if len(runes) <= c.Size {
		return []string{section}
	}
	step := c.Size - c.Overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + c.Size
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
