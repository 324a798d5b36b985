// internal/resolver/resolver_test.go
package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
)

type queryResult struct {
	probes []schemas.ElementProbe
	err    error
}

// fakePage serves canned probe results per strategy and logs the order
// in which the cascade consulted it.
type fakePage struct {
	css    queryResult
	scoped queryResult
	text   queryResult
	role   queryResult
	href   queryResult
	xpath  queryResult

	calls           []string
	scopeSeen       string
	interactiveSeen bool
	roleSeen        string
	nameSeen        string
}

func (f *fakePage) QueryCSS(ctx context.Context, selector string) ([]schemas.ElementProbe, error) {
	f.calls = append(f.calls, "css")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.css.probes, f.css.err
}

func (f *fakePage) QueryScopedCSS(ctx context.Context, containerSelector, selector string) ([]schemas.ElementProbe, error) {
	f.calls = append(f.calls, "scoped_css")
	f.scopeSeen = containerSelector
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.scoped.probes, f.scoped.err
}

func (f *fakePage) QueryText(ctx context.Context, text string, interactiveOnly bool) ([]schemas.ElementProbe, error) {
	f.calls = append(f.calls, "text")
	f.interactiveSeen = interactiveOnly
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.text.probes, f.text.err
}

func (f *fakePage) QueryRole(ctx context.Context, role, name string) ([]schemas.ElementProbe, error) {
	f.calls = append(f.calls, "role")
	f.roleSeen, f.nameSeen = role, name
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.role.probes, f.role.err
}

func (f *fakePage) QueryHref(ctx context.Context, pattern string) ([]schemas.ElementProbe, error) {
	f.calls = append(f.calls, "href")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.href.probes, f.href.err
}

func (f *fakePage) QueryXPath(ctx context.Context, expression string) ([]schemas.ElementProbe, error) {
	f.calls = append(f.calls, "xpath")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.xpath.probes, f.xpath.err
}

func probe(tempID string, visible, inViewport bool, docIndex int) schemas.ElementProbe {
	return schemas.ElementProbe{
		TempID:        tempID,
		Tag:           "button",
		Visible:       visible,
		InViewport:    inViewport,
		DocumentIndex: docIndex,
	}
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	cfg := config.AnalysisConfig{
		ExpandedContainers: []string{`[aria-expanded="true"]`, "details[open]"},
	}
	return New(cfg, zaptest.NewLogger(t))
}

func fullBundle() schemas.LocatorBundle {
	return schemas.LocatorBundle{
		CSSSelector:    "#add-to-cart",
		XPath:          `//*[@id="add-to-cart"]`,
		Text:           "Add to cart",
		Role:           "button",
		AccessibleName: "Add to cart",
		HrefPattern:    "/cart/add",
	}
}

func TestResolveDirectCSSUniqueVisible(t *testing.T) {
	page := &fakePage{
		css: queryResult{probes: []schemas.ElementProbe{probe("ab12cd34-0", true, true, 0)}},
	}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)

	assert.Equal(t, "css", el.Strategy)
	assert.Equal(t, "ab12cd34-0", el.Probe.TempID)
	assert.Equal(t, `[data-webspark-el="ab12cd34-0"]`, el.Selector())
	require.Len(t, el.Attempts, 1, "a first-strategy hit logs exactly one attempt")
	assert.Equal(t, schemas.SelectorAttempt{
		StrategyName: "css",
		SelectorUsed: "#add-to-cart",
		Found:        true,
		Visible:      true,
	}, el.Attempts[0])
	assert.Equal(t, []string{"css"}, page.calls, "later strategies must not run")
}

func TestResolveFallsBackToText(t *testing.T) {
	page := &fakePage{
		css:    queryResult{err: errors.New(`DOM Exception: '#checkout-btn:' is not a valid selector`)},
		scoped: queryResult{},
		text:   queryResult{probes: []schemas.ElementProbe{probe("ef56ab78-0", true, true, 0)}},
	}

	bundle := schemas.LocatorBundle{
		CSSSelector: "#checkout-btn:",
		Text:        "Checkout",
	}
	el, err := newResolver(t).Resolve(context.Background(), bundle, page)
	require.NoError(t, err)

	assert.Equal(t, "text", el.Strategy)
	assert.True(t, page.interactiveSeen, "text matching filters to interactive elements")

	require.Len(t, el.Attempts, 3)
	assert.Equal(t, "css", el.Attempts[0].StrategyName)
	assert.False(t, el.Attempts[0].Found)
	assert.Equal(t, "scoped_css", el.Attempts[1].StrategyName)
	assert.False(t, el.Attempts[1].Found)
	assert.Equal(t, "text", el.Attempts[2].StrategyName)
	assert.True(t, el.Attempts[2].Found)
	assert.Equal(t, "Checkout", el.Attempts[2].SelectorUsed)
}

func TestResolveCascadeOrder(t *testing.T) {
	page := &fakePage{
		xpath: queryResult{probes: []schemas.ElementProbe{probe("x-0", true, true, 0)}},
	}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)

	assert.Equal(t, "xpath", el.Strategy)
	assert.Equal(t, []string{"css", "scoped_css", "text", "role", "href", "xpath"}, page.calls)
	assert.Equal(t, `[aria-expanded="true"], details[open]`, page.scopeSeen)
	assert.Equal(t, "button", page.roleSeen)
	assert.Equal(t, "Add to cart", page.nameSeen)
	assert.Len(t, el.Attempts, 6)
}

func TestResolveSkipsEmptyBundleFields(t *testing.T) {
	page := &fakePage{
		text: queryResult{probes: []schemas.ElementProbe{probe("t-0", true, true, 0)}},
	}

	el, err := newResolver(t).Resolve(context.Background(), schemas.LocatorBundle{Text: "Checkout"}, page)
	require.NoError(t, err)

	assert.Equal(t, []string{"text"}, page.calls, "strategies without a bundle field never query")
	require.Len(t, el.Attempts, 1)
	assert.Equal(t, "text", el.Attempts[0].StrategyName)
}

func TestResolveAllStrategiesExhausted(t *testing.T) {
	page := &fakePage{}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.Error(t, err)
	assert.Nil(t, el)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Len(t, failure.Attempts, 6)
	for _, a := range failure.Attempts {
		assert.False(t, a.Found)
	}
	assert.Contains(t, failure.Reason, "no strategy")
}

func TestResolveTieBreakPrefersViewport(t *testing.T) {
	page := &fakePage{
		css: queryResult{probes: []schemas.ElementProbe{
			probe("p-0", true, false, 0),
			probe("p-1", true, true, 1),
			probe("p-2", true, false, 2),
		}},
	}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)
	assert.Equal(t, "p-1", el.Probe.TempID)
}

func TestResolveTieBreakDocumentOrder(t *testing.T) {
	page := &fakePage{
		css: queryResult{probes: []schemas.ElementProbe{
			probe("p-2", true, true, 2),
			probe("p-1", true, true, 1),
			probe("p-3", true, true, 3),
		}},
	}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)
	assert.Equal(t, "p-1", el.Probe.TempID, "first in document order wins among viewport matches")
}

func TestResolveAmbiguousMatchContinuesCascade(t *testing.T) {
	page := &fakePage{
		// Two visible matches, both off-screen: nothing disambiguates.
		css: queryResult{probes: []schemas.ElementProbe{
			probe("p-0", true, false, 0),
			probe("p-1", true, false, 1),
		}},
		text: queryResult{probes: []schemas.ElementProbe{probe("t-0", true, true, 0)}},
	}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)

	assert.Equal(t, "text", el.Strategy)
	cssAttempt := el.Attempts[0]
	assert.True(t, cssAttempt.Found)
	assert.True(t, cssAttempt.Visible, "the ambiguous attempt still records its visible matches")
}

func TestResolveInvisibleMatchesAreNotFound(t *testing.T) {
	page := &fakePage{
		css:  queryResult{probes: []schemas.ElementProbe{probe("p-0", false, false, 0)}},
		text: queryResult{probes: []schemas.ElementProbe{probe("t-0", true, true, 0)}},
	}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)

	assert.Equal(t, "text", el.Strategy)
	cssAttempt := el.Attempts[0]
	assert.True(t, cssAttempt.Found, "the match is recorded")
	assert.False(t, cssAttempt.Visible, "but visibility is part of found")
}

func TestResolveSingleVisibleOffScreenWins(t *testing.T) {
	page := &fakePage{
		css: queryResult{probes: []schemas.ElementProbe{probe("p-0", true, false, 0)}},
	}

	el, err := newResolver(t).Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)
	assert.Equal(t, "p-0", el.Probe.TempID, "a unique visible match wins even off-screen; the executor scrolls")
}

func TestResolveContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page := &fakePage{}
	el, err := newResolver(t).Resolve(ctx, fullBundle(), page)
	assert.Nil(t, el)
	require.ErrorIs(t, err, context.Canceled)

	var failure *Failure
	assert.False(t, errors.As(err, &failure), "cancellation is not a resolution failure")
}

func TestResolveScopedCSSSkippedWithoutContainers(t *testing.T) {
	page := &fakePage{
		xpath: queryResult{probes: []schemas.ElementProbe{probe("x-0", true, true, 0)}},
	}

	r := New(config.AnalysisConfig{}, zaptest.NewLogger(t))
	el, err := r.Resolve(context.Background(), fullBundle(), page)
	require.NoError(t, err)

	assert.NotContains(t, page.calls, "scoped_css")
	assert.Len(t, el.Attempts, 5)
}

func TestFailureError(t *testing.T) {
	f := &Failure{
		Attempts: []schemas.SelectorAttempt{{StrategyName: "css"}, {StrategyName: "text"}},
		Reason:   "no strategy produced a unique visible match",
	}
	assert.Contains(t, f.Error(), "2 attempts")
	assert.Contains(t, f.Error(), "unique visible match")
}
