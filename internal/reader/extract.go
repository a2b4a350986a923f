package reader

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
)

// minReadableRunes is the shortest readability output accepted before the
// goquery fallback is tried.
const minReadableRunes = 80

var boilerplateSelectors = "script, style, noscript, nav, header, footer, aside, form, iframe, svg"

// Document is readable text extracted from a page.
type Document struct {
	Title   string
	Text    string
	Excerpt string
	Method  string
}

// Extract turns a fetched page into readable text. Plain text is cleaned as
// is; HTML goes through readability, then a boilerplate-stripping goquery
// pass, then the excerpt, then the caller's title.
func Extract(page Page, title string) (Document, error) {
	ct := strings.ToLower(strings.TrimSpace(page.ContentType))
	if strings.HasPrefix(ct, "text/plain") {
		text := CleanText(string(page.Body))
		if text == "" {
			return Document{}, fmt.Errorf("reader extracted empty content")
		}
		return Document{Title: strings.TrimSpace(title), Text: text, Method: "plain"}, nil
	}

	base := page.FinalURL
	if base == "" {
		base = page.URL
	}
	pageURL, err := url.Parse(base)
	if err != nil {
		return Document{}, fmt.Errorf("parse page url: %w", err)
	}

	doc := Document{Title: strings.TrimSpace(title)}

	article, readErr := readability.FromReader(bytes.NewReader(page.Body), pageURL)
	if readErr == nil {
		var rendered bytes.Buffer
		if err := article.RenderText(&rendered); err == nil {
			doc.Text = CleanText(rendered.String())
		}
		doc.Excerpt = CleanText(article.Excerpt())
		if doc.Title == "" {
			doc.Title = strings.TrimSpace(article.Title())
		}
		doc.Method = "readability"
	}

	if len([]rune(doc.Text)) < minReadableRunes {
		fallbackTitle, fallbackText, err := stripBoilerplate(page.Body)
		if err == nil && len([]rune(fallbackText)) > len([]rune(doc.Text)) {
			doc.Text = fallbackText
			doc.Method = "goquery"
			if doc.Title == "" {
				doc.Title = fallbackTitle
			}
		}
	}

	if doc.Text == "" && doc.Excerpt != "" {
		doc.Text = doc.Excerpt
		doc.Method = "excerpt"
	}
	if doc.Text == "" && doc.Title != "" {
		doc.Text = doc.Title
		doc.Method = "title"
	}
	if doc.Text == "" {
		if readErr != nil {
			return Document{}, fmt.Errorf("readability parse: %w", readErr)
		}
		return Document{}, fmt.Errorf("reader extracted empty content")
	}
	return doc, nil
}

// stripBoilerplate drops navigation and chrome elements and returns the
// page title and the remaining block text.
func stripBoilerplate(body []byte) (string, string, error) {
	gq, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(gq.Find("title").First().Text())

	gq.Find(boilerplateSelectors).Remove()

	root := gq.Find("article").First()
	if root.Length() == 0 {
		root = gq.Find("main").First()
	}
	if root.Length() == 0 {
		root = gq.Find("body")
	}

	blocks := make([]string, 0, 32)
	root.Find("h1, h2, h3, h4, p, li, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		blocks = append(blocks, root.Text())
	}
	return title, CleanText(strings.Join(blocks, "\n")), nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// TruncateText clips text to maxChars runes and appends a single ellipsis rune when truncated.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}

	return clipped + "…", true
}
