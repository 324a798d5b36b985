// internal/vendors/vendors_test.go
package vendors

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotheather55/webspark/api/schemas"
)

func TestClassifierMatch(t *testing.T) {
	c := NewClassifier(nil)

	testCases := []struct {
		name     string
		url      string
		wantName string
		wantHit  bool
	}{
		{name: "tealium collect endpoint", url: "https://collect.tealiumiq.com/event", wantName: "Tealium Collect", wantHit: true},
		{name: "ga beacon", url: "https://www.google-analytics.com/g/collect?v=2", wantName: "Google Analytics", wantHit: true},
		{name: "case insensitive", url: "https://TAGS.TIQCDN.COM/utag/acct/profile/prod/utag.js", wantName: "Tealium iQ", wantHit: true},
		// facebook.net precedes connect.facebook.net in the table, so the
		// broader signature wins. Matches the longstanding behavior.
		{name: "facebook connect resolves to pixel", url: "https://connect.facebook.net/en_US/fbevents.js", wantName: "Facebook Pixel", wantHit: true},
		{name: "bare keyword signature", url: "https://browser.sentry-cdn.com/7.0/bundle.min.js", wantName: "Sentry", wantHit: true},
		{name: "first-party asset", url: "https://shop.example.com/static/app.js", wantHit: false},
		{name: "empty url", url: "", wantHit: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := c.Match(tc.url)
			assert.Equal(t, tc.wantHit, ok)
			if tc.wantHit {
				assert.Equal(t, tc.wantName, v.Name)
			}
		})
	}
}

func TestClassifierExtras(t *testing.T) {
	c := NewClassifier(map[string]string{
		"tracker.internal.example": "Internal Tracker",
	})

	v, ok := c.Match("https://tracker.internal.example/pixel.gif")
	require.True(t, ok)
	assert.Equal(t, "Internal Tracker", v.Name)
	assert.Equal(t, CategoryCustom, v.Category)

	// Extras cannot shadow built-ins.
	v, ok = c.Match("https://www.googletagmanager.com/gtm.js?id=GTM-XYZ")
	require.True(t, ok)
	assert.Equal(t, "Google Tag Manager", v.Name)
}

func TestFindInRequests(t *testing.T) {
	c := NewClassifier(nil)

	urls := []string{
		"https://collect.tealiumiq.com/event",
		"https://collect.tealiumiq.com/event", // repeat click beacons stay visible
		"https://www.facebook.com/tr?id=123&ev=AddToCart",
		"https://shop.example.com/api/cart",
		"",
	}

	found := c.FindInRequests(urls)
	require.Contains(t, found, "Tealium Collect")
	assert.Len(t, found["Tealium Collect"], 2)
	assert.NotContains(t, found, "Facebook Pixel", "facebook.com itself is not a signature")
	assert.Len(t, found, 1)
}

func TestCategorizePage(t *testing.T) {
	c := NewClassifier(nil)

	info := &schemas.PageTagInfo{
		TealiumDetected: true,
		GTMDetected:     true,
		ScriptSources: []string{
			"https://tags.tiqcdn.com/utag/acct/main/prod/utag.js",
			"https://www.google-analytics.com/analytics.js",
			"https://www.google-analytics.com/analytics.js", // dedup
			"data:text/javascript;base64,AAAA",
			"",
		},
		GlobalObjects: []string{"fbq", "adobe.target", "nonexistent"},
	}

	got := c.CategorizePage(info)

	assert.ElementsMatch(t, []string{"Google Tag Manager", "Tealium iQ"}, got[CategoryTagManager])
	assert.Equal(t, []string{"Google Analytics"}, got[CategoryAnalytics])
	assert.Equal(t, []string{"Facebook Pixel"}, got[CategoryAdvertising])
	assert.Equal(t, []string{"Adobe Target"}, got[CategoryABTesting])
}

func TestUnmatchedThirdParties(t *testing.T) {
	c := NewClassifier(nil)

	got := c.UnmatchedThirdParties("https://shop.example.com/product/42", []string{
		"https://shop.example.com/api/cart",                 // own site
		"https://cdn.shop.example.com/bundle.js",            // own site, subdomain
		"https://collect.tealiumiq.com/event",               // matched vendor
		"https://fonts.gstatic.example-fonts.co.uk/roboto",  // unmatched third party
		"https://api.partner.io/v1/widget",                  // unmatched third party
		"https://api.partner.io/v1/widget?session=2",        // same domain, dedup
		"not a url at all \x7f", "",                         // unparseable / empty
	})

	assert.Equal(t, []string{"example-fonts.co.uk", "partner.io"}, got)
}

func TestGlobalObjectsTable(t *testing.T) {
	paths := map[string]struct{}{}
	for _, g := range GlobalObjects() {
		assert.NotEmpty(t, g.Path)
		assert.NotEmpty(t, g.Name)
		assert.NotEmpty(t, g.Category)
		paths[g.Path] = struct{}{}
	}
	// Both Adobe probes share a name but not a path.
	assert.Contains(t, paths, "s")
	assert.Contains(t, paths, "s_c_il")
}

// FuzzMatch ensures classification never panics and stays case-insensitive
// for arbitrary inputs. The case transform is ASCII-only: the signature
// table is ASCII, so Unicode case folding is out of scope.
func FuzzMatch(f *testing.F) {
	f.Add("https://collect.tealiumiq.com/event")
	f.Add("not a url")
	f.Add("")

	c := NewClassifier(map[string]string{"fuzz.example": "Fuzz"})

	f.Fuzz(func(t *testing.T, data string) {
		consumer := fuzz.NewConsumer([]byte(data))
		s, err := consumer.GetString()
		if err != nil {
			s = data
		}

		v1, ok1 := c.Match(s)
		v2, ok2 := c.Match(asciiUpper(s))
		if ok1 != ok2 || v1 != v2 {
			t.Fatalf("case sensitivity leak: %q vs upper", s)
		}
		c.FindInRequests([]string{s})
		c.UnmatchedThirdParties(s, []string{s})
	})
}

func asciiUpper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 32
		}
	}
	return string(b)
}
