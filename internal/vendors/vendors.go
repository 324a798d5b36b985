// internal/vendors/vendors.go
// Package vendors identifies third-party marketing and analytics providers
// from request URLs, script sources, and global window objects.
package vendors

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/slotheather55/webspark/api/schemas"
)

// Vendor categories.
const (
	CategoryAnalytics     = "analytics"
	CategoryTagManager    = "tag_manager"
	CategoryAdvertising   = "advertising"
	CategoryMarketing     = "marketing"
	CategoryEmailMkt      = "email_marketing"
	CategoryCDP           = "customer_data_platform"
	CategorySupport       = "customer_support"
	CategoryABTesting     = "ab_testing"
	CategoryErrorTracking = "error_tracking"
	CategoryRecording     = "session_recording"
	CategoryDMP           = "dmp"
	CategoryContent       = "content"
	// CategoryCustom marks signatures added through vendors.extra.
	CategoryCustom = "custom"
)

// Vendor is one URL signature. Pattern is matched as a case-insensitive
// substring of the full request URL.
type Vendor struct {
	Pattern  string
	Name     string
	Category string
}

// GlobalObject is one window-object signature, e.g. a pixel SDK that
// installs itself as window.fbq.
type GlobalObject struct {
	Path     string
	Name     string
	Category string
}

// signatures is ordered; the first matching pattern wins. Broad patterns
// deliberately shadow narrower ones below them (facebook.net catches
// connect.facebook.net as Facebook Pixel).
var signatures = []Vendor{
	{"google-analytics.com", "Google Analytics", CategoryAnalytics},
	{"googletagmanager.com", "Google Tag Manager", CategoryTagManager},
	{"facebook.net", "Facebook Pixel", CategoryAdvertising},
	{"connect.facebook.net", "Facebook", CategoryAdvertising},
	{"bat.bing.com", "Microsoft Advertising", CategoryAdvertising},
	{"script.hotjar.com", "Hotjar", CategoryAnalytics},
	{"cdn.amplitude.com", "Amplitude", CategoryAnalytics},
	{"js.intercomcdn.com", "Intercom", CategorySupport},
	{"cdn.heapanalytics.com", "Heap Analytics", CategoryAnalytics},
	{"js.hs-scripts.com", "HubSpot", CategoryMarketing},
	{"snap.licdn.com", "LinkedIn Insight", CategoryAdvertising},
	{"cdn.optimizely.com", "Optimizely", CategoryABTesting},
	{"cdn.mxpnl.com", "Mixpanel", CategoryAnalytics},
	{"clarity.ms", "Microsoft Clarity", CategoryAnalytics},
	{"unpkg.com/tealium", "Tealium (unpkg)", CategoryTagManager},
	{"tags.tiqcdn.com", "Tealium iQ", CategoryTagManager},
	{"collect.tealiumiq.com", "Tealium Collect", CategoryTagManager},
	{"sentry", "Sentry", CategoryErrorTracking},
	{"fullstory.com", "FullStory", CategoryRecording},
	{"static.klaviyo.com", "Klaviyo", CategoryEmailMkt},
	{"static.ads-twitter.com", "Twitter Ads", CategoryAdvertising},
	{"d.adroll.com", "AdRoll", CategoryAdvertising},
	{"secure.adnxs.com", "AppNexus", CategoryAdvertising},
	{"secure.quantserve.com", "Quantcast", CategoryAnalytics},
	{"cdn.segment.com", "Segment", CategoryCDP},
	{"static.criteo.net", "Criteo", CategoryAdvertising},
	{"static.scrollstack.com", "Scroll", CategoryContent},
	{"cdn.attn.tv", "ATTN", CategoryAdvertising},
	{"analytics.tiktok.com", "TikTok Analytics", CategoryAdvertising},
	{"sc-static.net", "Snapchat Pixel", CategoryAdvertising},
	{"googleadservices.com", "Google Ads", CategoryAdvertising},
	{"doubleclick.net", "Google DoubleClick", CategoryAdvertising},
	{"js.driftt.com", "Drift", CategorySupport},
	{"log.outbrain.com", "Outbrain", CategoryAdvertising},
	{"cdn.taboola.com", "Taboola", CategoryAdvertising},
	{"moatads", "Moat", CategoryAdvertising},
	{"chartbeat", "Chartbeat", CategoryAnalytics},
	{"pardot", "Pardot", CategoryMarketing},
	{"marketo", "Marketo", CategoryMarketing},
	{"bizible", "Bizible", CategoryMarketing},
	{"demdex.net", "Adobe Audience Manager", CategoryDMP},
	{"omtrdc.net", "Adobe Experience Cloud", CategoryAnalytics},
}

// globalObjects are the window paths probed by the post-load detection
// script. Order is presentation order only; paths are matched exactly.
var globalObjects = []GlobalObject{
	{"ga", "Google Analytics", CategoryAnalytics},
	{"gtag", "Google Tags", CategoryAnalytics},
	{"fbq", "Facebook Pixel", CategoryAdvertising},
	{"hj", "Hotjar", CategoryAnalytics},
	{"pintrk", "Pinterest Tag", CategoryAdvertising},
	{"snaptr", "Snapchat Pixel", CategoryAdvertising},
	{"ttq", "TikTok Pixel", CategoryAdvertising},
	{"clarity", "Microsoft Clarity", CategoryAnalytics},
	{"amplitude", "Amplitude", CategoryAnalytics},
	{"heap", "Heap Analytics", CategoryAnalytics},
	{"mixpanel", "Mixpanel", CategoryAnalytics},
	{"_hsq", "HubSpot", CategoryMarketing},
	{"Intercom", "Intercom", CategorySupport},
	{"pendo", "Pendo", CategoryAnalytics},
	{"optimizely", "Optimizely", CategoryABTesting},
	{"adobe.target", "Adobe Target", CategoryABTesting},
	{"s_c_il", "Adobe Analytics", CategoryAnalytics},
	{"s", "Adobe Analytics", CategoryAnalytics},
	{"Kissmetrics", "Kissmetrics", CategoryAnalytics},
	{"Mparticle", "mParticle", CategoryCDP},
	{"Bugsnag", "Bugsnag", CategoryErrorTracking},
	{"LogRocket", "LogRocket", CategoryRecording},
	{"FS", "FullStory", CategoryRecording},
	{"Rollbar", "Rollbar", CategoryErrorTracking},
	{"Sentry", "Sentry", CategoryErrorTracking},
	{"_kmq", "Klaviyo", CategoryEmailMkt},
	{"criteo_q", "Criteo", CategoryAdvertising},
	{"__adroll", "AdRoll", CategoryAdvertising},
}

// GlobalObjects returns the window-object signature table. The slice is
// shared; callers must not mutate it.
func GlobalObjects() []GlobalObject {
	return globalObjects
}

// Classifier matches URLs against the built-in signature table plus any
// operator-supplied extras. It is immutable after construction and safe for
// concurrent use.
type Classifier struct {
	table []Vendor
}

// NewClassifier builds a classifier. Extras are appended after the built-in
// table, so they cannot shadow built-in signatures; keys are sorted for
// deterministic precedence among themselves.
func NewClassifier(extra map[string]string) *Classifier {
	table := make([]Vendor, len(signatures), len(signatures)+len(extra))
	copy(table, signatures)

	patterns := make([]string, 0, len(extra))
	for p := range extra {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		table = append(table, Vendor{Pattern: p, Name: extra[p], Category: CategoryCustom})
	}
	return &Classifier{table: table}
}

// Match returns the first vendor whose pattern appears in the URL.
func (c *Classifier) Match(rawURL string) (Vendor, bool) {
	if rawURL == "" {
		return Vendor{}, false
	}
	lower := strings.ToLower(rawURL)
	for _, v := range c.table {
		if strings.Contains(lower, strings.ToLower(v.Pattern)) {
			return v, true
		}
	}
	return Vendor{}, false
}

// FindInRequests maps vendor names to the request URLs attributed to them.
// Every matching URL is kept, duplicates included; the caller sees exactly
// which requests fired.
func (c *Classifier) FindInRequests(urls []string) map[string][]string {
	found := map[string][]string{}
	for _, u := range urls {
		if u == "" {
			continue
		}
		if v, ok := c.Match(u); ok {
			found[v.Name] = append(found[v.Name], u)
		}
	}
	return found
}

// CategorizePage groups the vendors visible in a page snapshot by category:
// script sources matched against URL signatures, detected global objects
// matched against window paths, and the tag-manager detection flags. Names
// are deduplicated and sorted within each category.
func (c *Classifier) CategorizePage(info *schemas.PageTagInfo) map[string][]string {
	identified := map[string]map[string]struct{}{}
	add := func(category, name string) {
		set, ok := identified[category]
		if !ok {
			set = map[string]struct{}{}
			identified[category] = set
		}
		set[name] = struct{}{}
	}

	for _, src := range info.ScriptSources {
		if src == "" || strings.HasPrefix(src, "data:") {
			continue
		}
		if v, ok := c.Match(src); ok {
			add(v.Category, v.Name)
		}
	}

	for _, path := range info.GlobalObjects {
		for _, g := range globalObjects {
			if path == g.Path {
				add(g.Category, g.Name)
				break
			}
		}
	}

	if info.TealiumDetected {
		add(CategoryTagManager, "Tealium iQ")
	}
	if info.GTMDetected {
		add(CategoryTagManager, "Google Tag Manager")
	}

	result := make(map[string][]string, len(identified))
	for category, set := range identified {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		result[category] = names
	}
	return result
}

// UnmatchedThirdParties returns the registrable domains of URLs that matched
// no vendor signature and do not belong to the page's own site. The result
// is sorted and deduplicated.
func (c *Classifier) UnmatchedThirdParties(pageURL string, urls []string) []string {
	ownSite := registrableDomain(pageURL)

	seen := map[string]struct{}{}
	for _, u := range urls {
		if _, ok := c.Match(u); ok {
			continue
		}
		domain := registrableDomain(u)
		if domain == "" || domain == ownSite {
			continue
		}
		seen[domain] = struct{}{}
	}

	domains := make([]string, 0, len(seen))
	for d := range seen {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// registrableDomain extracts the eTLD+1 of a URL's host, or "" when the URL
// has no usable host. IPs and single-label hosts (localhost) are kept as-is
// since the public suffix list cannot reduce them.
func registrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
