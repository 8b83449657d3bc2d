// Package pipeline holds HTML-transform helpers shared by the render worker.
package pipeline

import (
	"context"
	"strings"
)

// CSSInjector injects a CSS <style> block into an HTML document the caller
// owns as a string. It only applies to INLINE_HTML/UPLOADED_HTML sources:
// REMOTE_URL sources are never in the caller's hands as a string, so those
// get their CSS injected live via the browser page's runtime Eval instead
// (see render.go's use of BrowserPage.InjectStyle).
type CSSInjector interface {
	InjectCSS(ctx context.Context, htmlContent, cssContent string) string
}

// CSSInjection injects CSS as a <style> block into HTML content.
type CSSInjection struct{}

// InjectCSS inserts a <style> block into htmlContent. Tries </head> first,
// then <body>, then prepends to the document.
func (s *CSSInjection) InjectCSS(ctx context.Context, htmlContent, cssContent string) string {
	if cssContent == "" {
		return htmlContent
	}
	if ctx.Err() != nil {
		return htmlContent
	}

	styleBlock := "<style>" + sanitizeCSS(cssContent) + "</style>"
	lowerHTML := strings.ToLower(htmlContent)

	if idx := strings.Index(lowerHTML, "</head>"); idx != -1 {
		return htmlContent[:idx] + styleBlock + htmlContent[idx:]
	}
	if idx := strings.Index(lowerHTML, "<body"); idx != -1 {
		if closeIdx := strings.Index(htmlContent[idx:], ">"); closeIdx != -1 {
			insertPos := idx + closeIdx + 1
			return htmlContent[:insertPos] + styleBlock + htmlContent[insertPos:]
		}
	}
	return styleBlock + htmlContent
}

// sanitizeCSS escapes "</" so injected CSS cannot close the <style> block
// early and break back out into the surrounding document.
func sanitizeCSS(css string) string {
	return strings.ReplaceAll(css, "</", `<\/`)
}
