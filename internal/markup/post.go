package markup

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var postMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderPost renders forum Markdown to sanitized HTML. Bracket tags are not
// interpreted in posts.
func RenderPost(src string) (string, error) {
	var buf bytes.Buffer
	if err := postMarkdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return string(policy.SanitizeBytes(buf.Bytes())), nil
}
