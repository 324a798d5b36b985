// Package discovery finds analyzable pages on a site and builds synthetic
// macros for them. A synthetic macro carries a curated selector set for the
// page's type instead of recorded interactions, so pages discovered from a
// sitemap can be analyzed without anyone recording them first.
package discovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotheather55/webspark/api/schemas"
)

// PageType names a curated selector set. The values match the page_type
// the tag manager publishes in utag_data, so a live page can select its
// own set.
type PageType string

const (
	PageTypeProduct PageType = "Product Detail Page"
	PageTypeList    PageType = "List Detail Page"
	PageTypeDefault PageType = "DEFAULT"
)

// PageSelector is one curated element of a selector set, expressed as the
// same descriptor alternatives a recorded locator bundle carries.
type PageSelector struct {
	Description    string
	CSS            string
	Text           string
	Role           string
	AccessibleName string
	HrefPattern    string
}

// Bundle converts the selector into a locator bundle for resolution.
func (s PageSelector) Bundle() schemas.LocatorBundle {
	return schemas.LocatorBundle{
		CSSSelector:    s.CSS,
		Text:           s.Text,
		Role:           s.Role,
		AccessibleName: s.AccessibleName,
		HrefPattern:    s.HrefPattern,
	}
}

// pageTypeSelectors holds the curated sets. Product pages present the buy
// box inside an expanded accordion panel; list pages repeat it per entry,
// and only the first entry is probed.
var pageTypeSelectors = map[PageType][]PageSelector{
	PageTypeProduct: {
		{
			Description:    "Add to Cart Button (Main Format)",
			CSS:            `div[id^="collapse"].in form[action*="prhcart.php"] button`,
			Text:           "Add to cart",
			Role:           "button",
			AccessibleName: "Add to cart",
		},
		{
			Description:    "Amazon Retailer Link (Main Format)",
			CSS:            `div[id^="collapse"].in .affiliate-buttons a`,
			Text:           "Amazon",
			Role:           "link",
			AccessibleName: "Amazon",
			HrefPattern:    "amazon.",
		},
		{
			Description:    "Barnes & Noble Retailer Link (Main Format)",
			CSS:            `div[id^="collapse"].in .affiliate-buttons a`,
			Text:           "Barnes & Noble",
			Role:           "link",
			AccessibleName: "Barnes & Noble",
			HrefPattern:    "barnesandnoble.",
		},
		{
			Description: "Look Inside Link (PDP)",
			CSS:         `a.insight`,
			Text:        "Look Inside",
			Role:        "link",
		},
		{
			Description: "Add to Bookshelf (PDP)",
			CSS:         `div.book-shelf-add`,
		},
	},
	PageTypeList: {
		{
			Description:    "Add to Cart Button (First Book on List)",
			CSS:            `ol.awesome-list > li:first-child .cart-bttns button`,
			Text:           "Add to cart",
			Role:           "button",
			AccessibleName: "Add to cart",
		},
		{
			Description:    "Amazon Retailer Link (First Book on List)",
			CSS:            `ol.awesome-list > li:first-child div.buy_clmn:not(.buy_small) a`,
			Text:           "Amazon",
			HrefPattern:    "amazon.",
			Role:           "link",
			AccessibleName: "Amazon",
		},
		{
			Description:    "Barnes & Noble Retailer Link (First Book on List)",
			CSS:            `ol.awesome-list > li:first-child div.buy_clmn:not(.buy_small) a`,
			Text:           "Barnes & Noble",
			HrefPattern:    "barnesandnoble.",
			Role:           "link",
			AccessibleName: "Barnes & Noble",
		},
		{
			Description: "Add to Bookshelf (First Book on List)",
			CSS:         `ol.awesome-list > li:first-child .book-shelf-add`,
		},
	},
	PageTypeDefault: {
		{
			Description: "Click Main Logo (Default Fallback)",
			CSS:         `div.logo a > img.condensed-logo-image`,
		},
	},
}

// SelectorsFor returns the curated set for a page type, falling back to the
// default set for unknown types.
func SelectorsFor(pt PageType) []PageSelector {
	if set, ok := pageTypeSelectors[pt]; ok {
		return set
	}
	return pageTypeSelectors[PageTypeDefault]
}

// NormalizePageType maps a raw page-type string, either a CLI shorthand or
// the value read from a live page's utag_data, onto a known selector set.
func NormalizePageType(raw string) PageType {
	switch v := strings.ToLower(strings.TrimSpace(raw)); {
	case v == "":
		return PageTypeDefault
	case strings.Contains(v, "product"):
		return PageTypeProduct
	case strings.Contains(v, "list"):
		return PageTypeList
	default:
		return PageTypeDefault
	}
}

// SyntheticMacro builds a macro whose clicks are the curated selector set
// for the page type. The result is interchangeable with a recorded macro:
// same ordering rules, same per-action resolution.
func SyntheticMacro(pt PageType, pageURL string) *schemas.Macro {
	set := SelectorsFor(pt)
	m := &schemas.Macro{
		ID:        uuid.NewString(),
		Name:      fmt.Sprintf("Selector sweep: %s", pt),
		URL:       pageURL,
		CreatedAt: time.Now().UTC(),
	}
	for i, sel := range set {
		m.Actions = append(m.Actions, schemas.Action{
			ID:          i + 1,
			Type:        schemas.ActionClick,
			Description: sel.Description,
			Locator:     sel.Bundle(),
		})
	}
	return m
}
