package conversation

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"polychat/internal/storage"
)

type ExportFormat string

const (
	FormatMarkdown ExportFormat = "md"
	FormatHTML     ExportFormat = "html"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Export renders a conversation as a Markdown transcript, or as a standalone HTML page
// converted from that transcript. It returns the body and its content type.
func (s *Service) Export(ctx context.Context, owner int64, conversationID string, format ExportFormat) ([]byte, string, error) {
	tr, err := s.Get(ctx, owner, conversationID)
	if err != nil {
		return nil, "", err
	}
	md := RenderMarkdown(tr)

	switch format {
	case FormatMarkdown, "":
		return []byte(md), "text/markdown; charset=utf-8", nil
	case FormatHTML:
		var body bytes.Buffer
		if err := markdown.Convert([]byte(md), &body); err != nil {
			return nil, "", fmt.Errorf("convert markdown: %w", err)
		}
		page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>%s</title>
<style>
body { font-family: sans-serif; line-height: 1.5; max-width: 800px; margin: 0 auto; padding: 24px; }
pre { background: #f4f4f4; padding: 12px; overflow-x: auto; }
blockquote { color: #a33; border-left: 3px solid #a33; margin-left: 0; padding-left: 12px; }
</style>
</head>
<body>
%s</body>
</html>
`, html.EscapeString(tr.Conversation.Title), body.String())
		return []byte(page), "text/html; charset=utf-8", nil
	default:
		return nil, "", fmt.Errorf("%w: unknown export format %q", ErrInvalidInput, format)
	}
}

// RenderMarkdown writes one section per message. Failed replies are quoted.
func RenderMarkdown(tr Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", tr.Conversation.Title)
	fmt.Fprintf(&b, "_Started %s_\n", tr.Conversation.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))

	for _, m := range tr.Messages {
		speaker := "User"
		if m.Role == storage.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "\n## %s\n\n", speaker)
		if m.IsError {
			for _, line := range strings.Split(m.Content, "\n") {
				fmt.Fprintf(&b, "> %s\n", line)
			}
			continue
		}
		b.WriteString(strings.TrimRight(m.Content, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}
