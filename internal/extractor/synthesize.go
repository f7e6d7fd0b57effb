package extractor

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/oidebrett/crawler/internal/store"
)

// Synthesize builds a JSON-LD-like record from the page title, description
// meta and OpenGraph/article tags. Used when a page exposes no structured
// data at all, so every fetched page yields at least one record.
func Synthesize(doc *goquery.Document, pageURL string) store.Record {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = metaByProperty(doc, "og:title")
	}
	desc := metaByName(doc, "description")
	if desc == "" {
		desc = metaByProperty(doc, "og:description")
	}

	published := metaByProperty(doc, "article:published_time")
	schemaType := "WebPage"
	if published != "" {
		schemaType = "BlogPosting"
	}

	rec := store.Record{
		"url":       pageURL,
		"timestamp": time.Now().Format(time.RFC3339),
		"@context":  "https://schema.org",
		"@type":     schemaType,
		"mainEntityOfPage": map[string]any{
			"@type": "WebPage",
			"@id":   pageURL,
		},
	}
	if title != "" {
		rec["headline"] = title
	}
	if desc != "" {
		rec["description"] = desc
	}
	if image := metaByProperty(doc, "og:image"); image != "" {
		img := map[string]any{"@type": "ImageObject", "url": image}
		if w := metaByProperty(doc, "og:image:width"); w != "" {
			img["width"] = w
		}
		if h := metaByProperty(doc, "og:image:height"); h != "" {
			img["height"] = h
		}
		rec["image"] = img
	}
	if published != "" {
		rec["datePublished"] = published
	}
	if modified := metaByProperty(doc, "article:modified_time"); modified != "" {
		rec["dateModified"] = modified
	}
	if author := metaByProperty(doc, "article:author"); author != "" {
		rec["author"] = map[string]any{"@type": "Person", "name": author}
	}
	if siteName := metaByProperty(doc, "og:site_name"); siteName != "" {
		publisher := map[string]any{"@type": "Organization", "name": siteName}
		if logo := metaByProperty(doc, "og:logo"); logo != "" {
			publisher["logo"] = map[string]any{"@type": "ImageObject", "url": logo}
		}
		rec["publisher"] = publisher
	}
	return rec
}

func metaByName(doc *goquery.Document, name string) string {
	content, _ := doc.Find(`meta[name="` + name + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

func metaByProperty(doc *goquery.Document, prop string) string {
	content, _ := doc.Find(`meta[property="` + prop + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}
