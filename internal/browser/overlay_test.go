package browser

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

// overlayFakeSession implements just the two calls DismissOverlays makes.
type overlayFakeSession struct {
	visible   map[string]bool
	failClick map[string]error
	clicked   []string
}

func (f *overlayFakeSession) EvaluateInto(_ context.Context, script string, out interface{}) error {
	target := out.(*bool)
	*target = false
	for selector, visible := range f.visible {
		if strings.Contains(script, mustQuote(selector)) {
			*target = visible
			return nil
		}
	}
	return nil
}

func (f *overlayFakeSession) Click(_ context.Context, selector string) error {
	if err := f.failClick[selector]; err != nil {
		return err
	}
	f.clicked = append(f.clicked, selector)
	return nil
}

func TestDismissOverlaysClicksOnlyVisible(t *testing.T) {
	sess := &overlayFakeSession{
		visible: map[string]bool{
			"button#truste-consent-button": true,
			"#newsletter-modal .close":     false,
			"#prh-minicart-overlay":        true,
		},
	}
	selectors := []string{
		"button#truste-consent-button",
		"#newsletter-modal .close",
		"#prh-minicart-overlay",
	}

	dismissed := DismissOverlays(context.Background(), sess, selectors, zaptest.NewLogger(t))

	assert.Equal(t, 2, dismissed)
	assert.Equal(t, []string{"button#truste-consent-button", "#prh-minicart-overlay"}, sess.clicked)
}

func TestDismissOverlaysContinuesAfterClickFailure(t *testing.T) {
	sess := &overlayFakeSession{
		visible: map[string]bool{
			"#banner-a": true,
			"#banner-b": true,
		},
		failClick: map[string]error{
			"#banner-a": errors.New("node detached"),
		},
	}

	dismissed := DismissOverlays(context.Background(), sess,
		[]string{"#banner-a", "#banner-b"}, zaptest.NewLogger(t))

	assert.Equal(t, 1, dismissed)
	assert.Equal(t, []string{"#banner-b"}, sess.clicked)
}

func TestDismissOverlaysNoSelectors(t *testing.T) {
	sess := &overlayFakeSession{}

	dismissed := DismissOverlays(context.Background(), sess, nil, zaptest.NewLogger(t))

	assert.Zero(t, dismissed)
	assert.Empty(t, sess.clicked)
}

func TestDismissOverlaysAbsentElement(t *testing.T) {
	sess := &overlayFakeSession{visible: map[string]bool{}}

	dismissed := DismissOverlays(context.Background(), sess,
		[]string{"#not-on-this-page"}, zaptest.NewLogger(t))

	assert.Zero(t, dismissed)
	assert.Empty(t, sess.clicked)
}
