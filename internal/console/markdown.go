package console

import (
	"bytes"
	"log"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
)

// chatMD renders chat messages. Raw HTML stays escaped because the
// content comes from other peers; code fences get syntax highlighting.
var chatMD = goldmark.New(
	goldmark.WithExtensions(
		extension.Linkify,
		extension.Strikethrough,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
)

// renderMarkdown converts one message body to HTML. On a render error
// the raw text is dropped rather than emitted unescaped.
func renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := chatMD.Convert([]byte(content), &buf); err != nil {
		log.Printf("CONSOLE: markdown render: %v", err)
		return ""
	}
	return buf.String()
}
