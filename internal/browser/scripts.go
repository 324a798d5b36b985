package browser

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/vendors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The static scripts live in js/ so they stay editable and lintable as plain
// JavaScript. Anything that needs Go-side parameters is assembled by the
// builder functions below; parameters are always injected as JSON string
// literals, never by raw concatenation.

//go:embed js/monitor.js
var tealiumMonitorScript string

//go:embed js/tracker.js
var generalTrackerScript string

//go:embed js/detect.js
var tagDetectionScript string

//go:embed js/clear.js
var clearTrackingScript string

//go:embed js/recorder.js
var recorderScript string

//go:embed js/probe.js
var probeScript string

// TealiumMonitorScript hooks the tag manager's dispatch functions and buffers
// every event into window.tealiumSpecificEvents. Inject before navigation.
func TealiumMonitorScript() string { return tealiumMonitorScript }

// GeneralTrackerScript hooks fetch/XHR, the data layer, and known vendor SDK
// entry points. Inject before navigation.
func GeneralTrackerScript() string { return generalTrackerScript }

// RecorderScript installs the interaction listeners that emit MACRO_ACTION
// console lines during a recording session.
func RecorderScript() string { return recorderScript }

// ClearTrackingScript resets the monitors' capture arrays.
func ClearTrackingScript() string { return clearTrackingScript }

// detect.js carries a quoted placeholder so the raw file parses as plain
// JavaScript; the real vendor table is substituted on first use.
const globalObjectsPlaceholder = `"__WEBSPARK_GLOBAL_OBJECTS__"`

var (
	detectOnce     sync.Once
	detectResolved string
)

// TagDetectionScript returns the post-load detection script with the vendor
// window-object table baked in.
func TagDetectionScript() string {
	detectOnce.Do(func() {
		type entry struct {
			Name   string `json:"name"`
			Object string `json:"object"`
		}
		objects := vendors.GlobalObjects()
		entries := make([]entry, 0, len(objects))
		for _, o := range objects {
			entries = append(entries, entry{Name: o.Name, Object: o.Path})
		}
		blob, err := json.Marshal(entries)
		if err != nil {
			panic(fmt.Sprintf("marshal global object table: %v", err))
		}
		detectResolved = strings.Replace(tagDetectionScript, globalObjectsPlaceholder, string(blob), 1)
	})
	return detectResolved
}

// drainTrackingScript returns and resets both capture arrays in a single
// evaluation, so no event can slip between the read and the reset. splice
// empties the live arrays without replacing them, keeping every closure that
// captured a reference valid.
const drainTrackingScript = `(() => {
    const out = { tealium: [], analytics_calls: [], data_layer: [] };
    const tealium = window.tealiumSpecificEvents;
    if (tealium) {
        out.tealium = tealium.splice(0, tealium.length);
    }
    const general = window.generalTrackingEvents;
    if (general) {
        out.analytics_calls = general.analyticsCalls.splice(0, general.analyticsCalls.length);
        out.data_layer = general.dataLayer.splice(0, general.dataLayer.length);
        general.network.length = 0;
    }
    return out;
})()`

const tealiumEventCountScript = `(window.tealiumSpecificEvents || []).length`

// clearProbeTagsScript strips the tagging attribute left behind by a previous
// cascade. Runs before every resolution so stale temp ids can never satisfy a
// fresh query.
var clearProbeTagsScript = fmt.Sprintf(`(() => {
    const attr = %s;
    const tagged = document.querySelectorAll('[' + attr + ']');
    for (let i = 0; i < tagged.length; i++) {
        tagged[i].removeAttribute(attr);
    }
    return tagged.length;
})()`, mustQuote(schemas.TempAttr))

// interactiveSelector matches the element kinds a user can plausibly click.
// Shared by the text strategy and the recorder's target resolution.
const interactiveSelector = `a, button, input, select, textarea, summary, [role="button"], [role="link"], [onclick]`

// mustQuote renders s as a JavaScript string literal. JSON string escaping is
// a strict subset of valid JavaScript syntax, including the U+2028/U+2029
// escapes the encoder emits.
func mustQuote(s string) string {
	blob, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("quote %q: %v", s, err))
	}
	return string(blob)
}

// buildProbeScript wires a collector into the probe function. The prefix
// namespaces this cascade's temp ids so two resolutions of the same document
// can never alias.
func buildProbeScript(collector, prefix string) string {
	return fmt.Sprintf("%s(%s, %s, %s)",
		strings.TrimSpace(probeScript), collector, mustQuote(prefix), mustQuote(schemas.TempAttr))
}

func cssCollector(selector string) string {
	return fmt.Sprintf(`function () {
    return Array.prototype.slice.call(document.querySelectorAll(%s));
}`, mustQuote(selector))
}

// scopedCSSCollector matches selector inside every container match.
// Containers may nest, so results are deduplicated; order follows the
// containers' own document order.
func scopedCSSCollector(containerSelector, selector string) string {
	return fmt.Sprintf(`function () {
    const out = [];
    const containers = document.querySelectorAll(%s);
    for (let i = 0; i < containers.length; i++) {
        const matches = containers[i].querySelectorAll(%s);
        for (let j = 0; j < matches.length; j++) {
            if (out.indexOf(matches[j]) === -1) {
                out.push(matches[j]);
            }
        }
    }
    return out;
}`, mustQuote(containerSelector), mustQuote(selector))
}

// textCollector finds elements whose visible text contains the needle,
// case-insensitively. Only the smallest matching elements are kept: an
// element whose descendant also matches is a wrapper, not the target.
func textCollector(text string, interactiveOnly bool) string {
	scope := "*"
	if interactiveOnly {
		scope = interactiveSelector
	}
	return fmt.Sprintf(`function () {
    const needle = %s.trim().toLowerCase();
    const matched = [];
    const candidates = document.querySelectorAll(%s);
    for (let i = 0; i < candidates.length; i++) {
        const el = candidates[i];
        let text = (el.innerText || el.textContent || '').trim();
        if (!text && el.tagName === 'INPUT') {
            text = (el.value || '').trim();
        }
        if (text.toLowerCase().indexOf(needle) !== -1) {
            matched.push(el);
        }
    }
    const out = [];
    for (let i = 0; i < matched.length; i++) {
        let hasMatchedDescendant = false;
        for (let j = 0; j < matched.length; j++) {
            if (i !== j && matched[i].contains(matched[j])) {
                hasMatchedDescendant = true;
                break;
            }
        }
        if (!hasMatchedDescendant) {
            out.push(matched[i]);
        }
    }
    return out;
}`, mustQuote(text), mustQuote(scope))
}

// roleCollector matches an ARIA role plus accessible name. Explicit role
// attributes win; otherwise the implicit role is derived from the tag the
// same way the recorder derives it, extended with the remaining common
// implicit mappings. Name matching is normalized, case-insensitive
// equals-or-contains; an empty name matches any.
func roleCollector(role, name string) string {
	return fmt.Sprintf(`function () {
    const wantRole = %s.trim().toLowerCase();
    const wantName = %s.trim().toLowerCase().replace(/\s+/g, ' ');

    function implicitRole(el) {
        const tag = el.tagName;
        if (tag === 'A' && el.hasAttribute('href')) {
            return 'link';
        }
        if (tag === 'BUTTON' || tag === 'SUMMARY') {
            return 'button';
        }
        if (tag === 'INPUT') {
            const type = (el.getAttribute('type') || 'text').toLowerCase();
            if (type === 'submit' || type === 'button' || type === 'reset' || type === 'image') {
                return 'button';
            }
            if (type === 'checkbox' || type === 'radio') {
                return type;
            }
            if (type === 'range') {
                return 'slider';
            }
            return 'textbox';
        }
        if (tag === 'SELECT') {
            return 'combobox';
        }
        if (tag === 'TEXTAREA') {
            return 'textbox';
        }
        if (tag === 'NAV') {
            return 'navigation';
        }
        if (tag === 'IMG') {
            return 'img';
        }
        return '';
    }

    function accessibleName(el) {
        const ariaLabel = el.getAttribute('aria-label');
        if (ariaLabel && ariaLabel.trim()) {
            return ariaLabel;
        }
        const labelledBy = el.getAttribute('aria-labelledby');
        if (labelledBy) {
            const parts = [];
            const ids = labelledBy.split(/\s+/);
            for (let i = 0; i < ids.length; i++) {
                const ref = document.getElementById(ids[i]);
                if (ref) {
                    parts.push((ref.innerText || ref.textContent || '').trim());
                }
            }
            const joined = parts.join(' ').trim();
            if (joined) {
                return joined;
            }
        }
        if (el.tagName === 'IMG' && el.getAttribute('alt')) {
            return el.getAttribute('alt');
        }
        if (el.tagName === 'INPUT') {
            const type = (el.getAttribute('type') || '').toLowerCase();
            if ((type === 'submit' || type === 'button' || type === 'reset') && el.value) {
                return el.value;
            }
        }
        const text = (el.innerText || el.textContent || '').trim();
        if (text) {
            return text;
        }
        return el.getAttribute('title') || '';
    }

    const out = [];
    const candidates = document.querySelectorAll('*');
    for (let i = 0; i < candidates.length; i++) {
        const el = candidates[i];
        const explicit = el.getAttribute('role');
        const elRole = (explicit ? explicit : implicitRole(el)).trim().toLowerCase();
        if (elRole !== wantRole) {
            continue;
        }
        if (wantName !== '') {
            const elName = accessibleName(el).trim().toLowerCase().replace(/\s+/g, ' ');
            if (elName !== wantName && elName.indexOf(wantName) === -1) {
                continue;
            }
        }
        out.push(el);
    }
    return out;
}`, mustQuote(role), mustQuote(name))
}

// hrefCollector matches anchors by normalized href substring. Normalization
// drops the scheme, query string, fragment, and trailing slashes on both
// sides, so volatile tracking parameters cannot defeat the match.
func hrefCollector(pattern string) string {
	return fmt.Sprintf(`function () {
    function normalize(href) {
        let out = String(href).toLowerCase();
        const q = out.indexOf('?');
        if (q !== -1) {
            out = out.slice(0, q);
        }
        const h = out.indexOf('#');
        if (h !== -1) {
            out = out.slice(0, h);
        }
        out = out.replace(/^https?:\/\//, '');
        while (out.length > 1 && out.charAt(out.length - 1) === '/') {
            out = out.slice(0, -1);
        }
        return out;
    }
    const wanted = normalize(%s);
    const out = [];
    const anchors = document.querySelectorAll('a[href]');
    for (let i = 0; i < anchors.length; i++) {
        const href = anchors[i].getAttribute('href');
        if (href && normalize(href).indexOf(wanted) !== -1) {
            out.push(anchors[i]);
        }
    }
    return out;
}`, mustQuote(pattern))
}

func xpathCollector(expression string) string {
	return fmt.Sprintf(`function () {
    const out = [];
    const snapshot = document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    for (let i = 0; i < snapshot.snapshotLength; i++) {
        const node = snapshot.snapshotItem(i);
        if (node && node.nodeType === 1) {
            out.push(node);
        }
    }
    return out;
}`, mustQuote(expression))
}

// scrollIntoViewScript centers the first match in the viewport. Returns
// whether the element was found.
func scrollIntoViewScript(selector string) string {
	return fmt.Sprintf(`(() => {
    const el = document.querySelector(%s);
    if (!el) {
        return false;
    }
    el.scrollIntoView({ block: 'center', inline: 'center' });
    return true;
})()`, mustQuote(selector))
}

// overlayVisibleScript reports whether the first match is currently shown.
// Deliberately not a probe query: overlay checks run between resolution and
// click, and must not disturb the winner's temp tag.
func overlayVisibleScript(selector string) string {
	return fmt.Sprintf(`(() => {
    const el = document.querySelector(%s);
    if (!el || !el.isConnected || el.getClientRects().length === 0) {
        return false;
    }
    const style = window.getComputedStyle(el);
    if (style.visibility === 'hidden' || style.display === 'none') {
        return false;
    }
    const rect = el.getBoundingClientRect();
    return rect.width > 0.5 && rect.height > 0.5;
})()`, mustQuote(selector))
}

// isCoveredScript hit-tests the element's center point. The element counts
// as covered only when the hit lands on a node outside its own subtree and
// not an ancestor; labels and icon children are legitimate click proxies.
func isCoveredScript(selector string) string {
	return fmt.Sprintf(`(() => {
    const el = document.querySelector(%s);
    if (!el) {
        return { found: false, covered: false };
    }
    const rect = el.getBoundingClientRect();
    const x = Math.min(Math.max(rect.left + rect.width / 2, 0), window.innerWidth - 1);
    const y = Math.min(Math.max(rect.top + rect.height / 2, 0), window.innerHeight - 1);
    const hit = document.elementFromPoint(x, y);
    if (!hit) {
        return { found: true, covered: false };
    }
    const related = hit === el || el.contains(hit) || hit.contains(el);
    return { found: true, covered: !related };
})()`, mustQuote(selector))
}
