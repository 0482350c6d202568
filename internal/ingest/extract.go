package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// minArticleRunes is the smallest body worth indexing. Navigation stubs and
// category pages fall below this and are skipped.
const minArticleRunes = 80

// article is extracted page content ready for chunking.
type article struct {
	Title string
	Text  string
}

// extractArticle pulls the readable body out of an HTML page. Readability
// handles well-formed articles; pages it cannot parse fall back to a plain
// goquery text extraction with boilerplate elements stripped.
func extractArticle(body []byte, pageURL *url.URL) (article, error) {
	parsed, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && len([]rune(parsed.TextContent)) >= minArticleRunes {
		return article{
			Title: strings.TrimSpace(parsed.Title),
			Text:  parsed.TextContent,
		}, nil
	}

	return extractFallback(body)
}

// extractFallback strips scripts, styles, navigation and footer elements and
// returns whatever text remains.
func extractFallback(body []byte) (article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return article{}, fmt.Errorf("parsing html: %w", err)
	}

	doc.Find("script, style, nav, header, footer, aside, form").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		title = h1
	}

	var sb strings.Builder
	doc.Find("h1, h2, h3, h4, p, li, td").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	})

	text := strings.TrimSpace(sb.String())
	if len([]rune(text)) < minArticleRunes {
		return article{}, fmt.Errorf("page has no extractable article content")
	}
	return article{Title: title, Text: text}, nil
}
