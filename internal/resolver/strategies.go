// internal/resolver/strategies.go
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slotheather55/webspark/api/schemas"
)

// Strategy is one way of re-locating a recorded element in a live page.
type Strategy interface {
	Name() string
	// Attempt runs the strategy's query and applies the tie-break. A nil
	// Candidate with a nil error means the strategy found no unique
	// visible match; the returned attempt records what happened either
	// way. errSkip means the bundle carries nothing this strategy can use
	// and no attempt was made.
	Attempt(ctx context.Context, b schemas.LocatorBundle, page PageQuerier) (*Candidate, schemas.SelectorAttempt, error)
}

// Candidate is the probe that won a strategy's tie-break.
type Candidate struct {
	Probe schemas.ElementProbe
}

// errSkip marks a strategy as inapplicable to the bundle, distinct from
// an attempt that found nothing.
var errSkip = errors.New("strategy not applicable")

// choose applies the tie-break to a probe result set:
// exactly one visible match wins; several visible with at least one in
// the viewport picks the first of those in document order; several
// visible all off-screen is ambiguous and the strategy fails. Matches
// that are not visible count as not found for cascade purposes, but the
// attempt still records that something matched.
func choose(name, selector string, probes []schemas.ElementProbe) (*Candidate, schemas.SelectorAttempt) {
	attempt := schemas.SelectorAttempt{StrategyName: name, SelectorUsed: selector}
	if len(probes) == 0 {
		return nil, attempt
	}
	attempt.Found = true

	var visible []schemas.ElementProbe
	for _, p := range probes {
		if p.Visible {
			visible = append(visible, p)
		}
	}
	if len(visible) == 0 {
		return nil, attempt
	}
	attempt.Visible = true

	if len(visible) == 1 {
		return &Candidate{Probe: visible[0]}, attempt
	}

	var inViewport []schemas.ElementProbe
	for _, p := range visible {
		if p.InViewport {
			inViewport = append(inViewport, p)
		}
	}
	if len(inViewport) == 0 {
		return nil, attempt
	}

	winner := inViewport[0]
	for _, p := range inViewport[1:] {
		if p.DocumentIndex < winner.DocumentIndex {
			winner = p
		}
	}
	return &Candidate{Probe: winner}, attempt
}

type cssStrategy struct{}

func (cssStrategy) Name() string { return "css" }

func (cssStrategy) Attempt(ctx context.Context, b schemas.LocatorBundle, page PageQuerier) (*Candidate, schemas.SelectorAttempt, error) {
	if b.CSSSelector == "" {
		return nil, schemas.SelectorAttempt{}, errSkip
	}
	probes, err := page.QueryCSS(ctx, b.CSSSelector)
	if err != nil {
		return nil, schemas.SelectorAttempt{StrategyName: "css", SelectorUsed: b.CSSSelector}, err
	}
	cand, attempt := choose("css", b.CSSSelector, probes)
	return cand, attempt, nil
}

// scopedCSSStrategy retries the recorded selector inside containers that
// are currently expanded. A selector recorded inside a collapsed panel
// often matches nothing (or the wrong thing) at the top level but still
// matches once the panel's subtree is the search root.
type scopedCSSStrategy struct {
	containers []string
}

func (scopedCSSStrategy) Name() string { return "scoped_css" }

func (s scopedCSSStrategy) Attempt(ctx context.Context, b schemas.LocatorBundle, page PageQuerier) (*Candidate, schemas.SelectorAttempt, error) {
	if b.CSSSelector == "" || len(s.containers) == 0 {
		return nil, schemas.SelectorAttempt{}, errSkip
	}
	scope := strings.Join(s.containers, ", ")
	probes, err := page.QueryScopedCSS(ctx, scope, b.CSSSelector)
	if err != nil {
		return nil, schemas.SelectorAttempt{StrategyName: "scoped_css", SelectorUsed: b.CSSSelector}, err
	}
	cand, attempt := choose("scoped_css", b.CSSSelector, probes)
	return cand, attempt, nil
}

type textStrategy struct{}

func (textStrategy) Name() string { return "text" }

func (textStrategy) Attempt(ctx context.Context, b schemas.LocatorBundle, page PageQuerier) (*Candidate, schemas.SelectorAttempt, error) {
	if b.Text == "" {
		return nil, schemas.SelectorAttempt{}, errSkip
	}
	probes, err := page.QueryText(ctx, b.Text, true)
	if err != nil {
		return nil, schemas.SelectorAttempt{StrategyName: "text", SelectorUsed: b.Text}, err
	}
	cand, attempt := choose("text", b.Text, probes)
	return cand, attempt, nil
}

type roleStrategy struct{}

func (roleStrategy) Name() string { return "role" }

func (roleStrategy) Attempt(ctx context.Context, b schemas.LocatorBundle, page PageQuerier) (*Candidate, schemas.SelectorAttempt, error) {
	if b.Role == "" {
		return nil, schemas.SelectorAttempt{}, errSkip
	}
	selector := b.Role
	if b.AccessibleName != "" {
		selector = fmt.Sprintf("%s[name=%q]", b.Role, b.AccessibleName)
	}
	probes, err := page.QueryRole(ctx, b.Role, b.AccessibleName)
	if err != nil {
		return nil, schemas.SelectorAttempt{StrategyName: "role", SelectorUsed: selector}, err
	}
	cand, attempt := choose("role", selector, probes)
	return cand, attempt, nil
}

type hrefStrategy struct{}

func (hrefStrategy) Name() string { return "href" }

func (hrefStrategy) Attempt(ctx context.Context, b schemas.LocatorBundle, page PageQuerier) (*Candidate, schemas.SelectorAttempt, error) {
	if b.HrefPattern == "" {
		return nil, schemas.SelectorAttempt{}, errSkip
	}
	probes, err := page.QueryHref(ctx, b.HrefPattern)
	if err != nil {
		return nil, schemas.SelectorAttempt{StrategyName: "href", SelectorUsed: b.HrefPattern}, err
	}
	cand, attempt := choose("href", b.HrefPattern, probes)
	return cand, attempt, nil
}

type xpathStrategy struct{}

func (xpathStrategy) Name() string { return "xpath" }

func (xpathStrategy) Attempt(ctx context.Context, b schemas.LocatorBundle, page PageQuerier) (*Candidate, schemas.SelectorAttempt, error) {
	if b.XPath == "" {
		return nil, schemas.SelectorAttempt{}, errSkip
	}
	probes, err := page.QueryXPath(ctx, b.XPath)
	if err != nil {
		return nil, schemas.SelectorAttempt{StrategyName: "xpath", SelectorUsed: b.XPath}, err
	}
	cand, attempt := choose("xpath", b.XPath, probes)
	return cand, attempt, nil
}
