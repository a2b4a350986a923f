package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"horse.fit/pulse/internal/dedup"
	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/reader"
	"horse.fit/pulse/internal/store"
)

const (
	feedAccept          = "application/rss+xml,application/atom+xml,application/feed+json,application/xml;q=0.9,text/xml;q=0.9,text/html;q=0.5"
	maxDescriptionRunes = 2000
)

var feedLinkTypes = map[string]struct{}{
	"application/rss+xml":   {},
	"application/atom+xml":  {},
	"application/feed+json": {},
	"application/json":      {},
}

var videoHosts = []string{"youtube.com", "youtu.be", "vimeo.com"}

func (s *Service) discoverFeed(ctx context.Context, src store.Source) ([]Candidate, error) {
	page, err := s.fetcher.Get(ctx, src.URL, feedAccept)
	if err != nil {
		return nil, err
	}

	if page.IsHTML() {
		feedURL, ok, err := discoverFeedURL(page)
		if err != nil {
			return nil, failure.Permanent(err)
		}
		if !ok {
			return nil, failure.Permanentf("%s serves html without a feed link", src.URL)
		}
		page, err = s.fetcher.Get(ctx, feedURL, feedAccept)
		if err != nil {
			return nil, err
		}
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("parse feed %s: %w", src.URL, err))
	}
	return feedCandidates(feed), nil
}

// discoverFeedURL finds the first alternate feed link in an HTML page.
func discoverFeedURL(page reader.Page) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return "", false, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(page.FinalURL)
	if err != nil || page.FinalURL == "" {
		base, _ = url.Parse(page.URL)
	}

	var found string
	doc.Find(`link[rel~="alternate"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		typ, _ := sel.Attr("type")
		if _, ok := feedLinkTypes[strings.ToLower(strings.TrimSpace(typ))]; !ok {
			return true
		}
		href, ok := sel.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return true
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		found = ref.String()
		return false
	})
	return found, found != "", nil
}

func feedCandidates(feed *gofeed.Feed) []Candidate {
	out := make([]Candidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		link := strings.TrimSpace(item.Link)
		if link == "" && len(item.Links) > 0 {
			link = strings.TrimSpace(item.Links[0])
		}

		metadata := map[string]any{}
		if feed.Language != "" {
			metadata["language"] = feed.Language
		}
		if feed.Title != "" {
			metadata["feed_title"] = feed.Title
		}
		if desc := strings.TrimSpace(item.Description); desc != "" {
			metadata["description"] = truncateRunes(desc, maxDescriptionRunes)
		}
		if item.Author != nil && item.Author.Name != "" {
			metadata["author"] = item.Author.Name
		}
		if len(item.Categories) > 0 {
			metadata["categories"] = item.Categories
		}

		kind := store.KindArticle
		for _, enc := range item.Enclosures {
			if enc != nil && strings.HasPrefix(strings.ToLower(enc.Type), "video/") {
				kind = store.KindVideo
				metadata["video_url"] = enc.URL
				break
			}
		}
		host := dedup.Host(link)
		for _, vh := range videoHosts {
			if host == vh || strings.HasSuffix(host, "."+vh) {
				kind = store.KindVideo
			}
		}

		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		if published != nil {
			utc := published.UTC()
			published = &utc
		}

		out = append(out, Candidate{
			ExternalID:  item.GUID,
			URL:         link,
			Title:       item.Title,
			Kind:        kind,
			PublishedAt: published,
			Metadata:    metadata,
		})
	}
	return out
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
