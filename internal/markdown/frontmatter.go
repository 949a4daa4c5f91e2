package markdown

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFrontMatter splits a leading YAML front-matter block from the body.
// Returns nil metadata and the input unchanged when no block is present.
func ParseFrontMatter(markdown string) (map[string]interface{}, string, error) {
	if !strings.HasPrefix(markdown, "---\n") {
		return nil, markdown, nil
	}
	endIdx := strings.Index(markdown[4:], "\n---\n")
	if endIdx == -1 {
		return nil, markdown, nil
	}
	block := markdown[4 : 4+endIdx]
	body := strings.TrimSpace(markdown[4+endIdx+5:])

	meta := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return nil, body, err
	}
	return meta, body, nil
}

// StripFrontMatter removes a leading YAML front-matter block if present
func StripFrontMatter(markdown string) string {
	if strings.HasPrefix(markdown, "---\n") {
		if endIdx := strings.Index(markdown[4:], "\n---\n"); endIdx != -1 {
			return strings.TrimSpace(markdown[4+endIdx+5:])
		}
	}
	return markdown
}
