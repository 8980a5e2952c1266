package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/observability"
)

// domCountJS counts page elements excluding the reasoning overlay, so the
// overlay appearing or expiring never looks like a DOM change.
const domCountJS = `
(() => {
  const total = document.querySelectorAll('*').length;
  const overlays = document.querySelectorAll('#__surfari_reasoning_box__').length;
  return total - overlays;
})();
`

var noisyURLPattern = regexp.MustCompile(`(?i)(google-analytics|gtm|segment|mixpanel|amplitude|hotjar|sentry|datadog|clarity)`)

// isNoisyURL filters analytics beacons and long-lived connections out of
// the in-flight request count.
func isNoisyURL(url string) bool {
	u := strings.ToLower(url)
	if noisyURLPattern.MatchString(u) {
		return true
	}
	for _, marker := range []string{"/ws", "eventsource", "sse"} {
		if strings.Contains(u, marker) {
			return true
		}
	}
	return false
}

// actionRunner executes model-selected steps against the live page and
// owns the page readiness heuristics.
type actionRunner struct {
	cfg    *config.Config
	logger *observability.Logger
}

func newActionRunner(cfg *config.Config, logger *observability.Logger) *actionRunner {
	return &actionRunner{cfg: cfg, logger: logger.WithComponent("actions")}
}

// waitForPageLoad waits for the load event, a stable DOM element count,
// and a quiet network, then sleeps a final buffer. Failures are logged
// rather than returned; a slow page is still worth distilling.
func (r *actionRunner) waitForPageLoad(ctx context.Context, page playwright.Page, timeout, postLoadTimeout time.Duration) {
	start := time.Now()

	err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		r.logger.Error(ctx, "page load state failed", "error", err)
	} else if err := r.waitForDOMStable(ctx, page, timeout); err != nil {
		r.logger.Error(ctx, "DOM stabilization failed", "error", err)
	} else if idleTimeout := r.cfg.App.NetworkIdleTimeoutMs; idleTimeout > 0 {
		err := r.waitForNetworkQuiet(ctx, page,
			r.cfg.App.NetworkMaxInflight,
			time.Duration(r.cfg.App.NetworkIdleQuietMs)*time.Millisecond,
			time.Duration(idleTimeout)*time.Millisecond)
		if err != nil {
			r.logger.Error(ctx, "network quiet wait failed", "error", err)
		}
	}

	if postLoadTimeout > 0 {
		select {
		case <-time.After(postLoadTimeout):
		case <-ctx.Done():
		}
	}
	r.logger.Debug(ctx, "page load wait complete", "elapsed_s", fmt.Sprintf("%.2f", time.Since(start).Seconds()))
}

// waitForDOMStable polls the element count every 200ms until two
// consecutive reads agree.
func (r *actionRunner) waitForDOMStable(ctx context.Context, page playwright.Page, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	prev := -1
	for time.Now().Before(deadline) {
		raw, err := page.Evaluate(domCountJS)
		if err != nil {
			r.logger.Warn(ctx, "error polling DOM element count", "error", err)
		} else if count := asInt(raw); prev >= 0 && count == prev {
			r.logger.Debug(ctx, "DOM element count stabilized", "count", count)
			return nil
		} else {
			prev = count
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("DOM stabilization timed out after %s", timeout)
}

// waitForNetworkQuiet returns once non-noise in-flight requests stay at or
// below maxInflight for quiet continuously.
func (r *actionRunner) waitForNetworkQuiet(ctx context.Context, page playwright.Page, maxInflight int, quiet, timeout time.Duration) error {
	var mu sync.Mutex
	inflight := 0
	quietCh := make(chan struct{}, 1)
	var timer *time.Timer

	signalQuiet := func() {
		select {
		case quietCh <- struct{}{}:
		default:
		}
	}
	armLocked := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		if inflight <= maxInflight {
			timer = time.AfterFunc(quiet, signalQuiet)
		}
	}

	onRequest := func(req playwright.Request) {
		mu.Lock()
		defer mu.Unlock()
		if isNoisyURL(req.URL()) {
			return
		}
		inflight++
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	onDone := func(req playwright.Request) {
		mu.Lock()
		defer mu.Unlock()
		if isNoisyURL(req.URL()) {
			return
		}
		if inflight > 0 {
			inflight--
		}
		armLocked()
	}

	page.On("request", onRequest)
	page.On("requestfinished", onDone)
	page.On("requestfailed", onDone)
	defer func() {
		page.RemoveListener("request", onRequest)
		page.RemoveListener("requestfinished", onDone)
		page.RemoveListener("requestfailed", onDone)
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	mu.Lock()
	armLocked()
	mu.Unlock()

	start := time.Now()
	select {
	case <-quietCh:
		r.logger.Debug(ctx, "network quiet", "elapsed_ms", time.Since(start).Milliseconds(), "threshold", maxInflight)
		return nil
	case <-time.After(timeout):
		mu.Lock()
		n := inflight
		mu.Unlock()
		return fmt.Errorf("network-idle timeout after %s (in-flight=%d, threshold=%d)", timeout, n, maxInflight)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startExpansionWatchJS snapshots a baseline DOM count and the nearest
// ARIA expandable state, and arms a MutationObserver that flags
// popup/overlay nodes as they appear.
const startExpansionWatchJS = `
(node) => {
  try { window.__surfariWatch?.cleanup?.(); } catch(_) {}

  const out = {
    domCountStart: 0,
    popup: false,
    overlay: false,
    startedAt: Date.now(),
    ariaFound: false,
    ariaStrategy: null,
    ariaExpandedBefore: null,
    ariaHaspopupBefore: null
  };

  const domElementCount = () => {
    try {
      return document.querySelectorAll('*').length
           - document.querySelectorAll('#__surfari_reasoning_box__').length;
    } catch(_) { return 0; }
  };

  const mark = (n) => {
    if (!n || n.nodeType !== 1) return;
    const role = n.getAttribute?.('role') || '';
    if (role === 'dialog' || role === 'menu' || role === 'listbox') out.popup = true;
    const st = getComputedStyle(n);
    if (st.position === 'fixed' && parseFloat(st.opacity) > 0.01 &&
        (parseInt(st.width)||0) > 200 && (parseInt(st.height)||0) > 100) {
      out.overlay = true;
    }
  };

  let mo = null;
  try {
    mo = new MutationObserver(muts => {
      for (const m of muts) if (m.type === 'childList') {
        for (const n of m.addedNodes || []) mark(n);
      }
    });
    mo.observe(document.documentElement, { subtree: true, childList: true });
  } catch(_) {}

  const norm = (v) => (v == null ? null : String(v).toLowerCase());
  const hasAria = (el) => el && (el.hasAttribute('aria-expanded') || el.hasAttribute('aria-haspopup'));

  let ariaTarget = null;
  let strategy = "self";
  if (hasAria(node)) {
    ariaTarget = node;
  } else {
    ariaTarget = node.closest?.('[aria-expanded],[aria-haspopup]') || null;
    if (ariaTarget) {
      strategy = "closest-ancestor";
    } else {
      const container = node.closest?.('[id],[class]') || node.parentElement || document.body;
      ariaTarget = container.querySelector?.('[aria-expanded],[aria-haspopup]') || null;
      if (ariaTarget) strategy = "container-query";
    }
  }

  if (ariaTarget) {
    out.ariaFound = true;
    out.ariaStrategy = strategy;
    out.ariaExpandedBefore = norm(ariaTarget.getAttribute?.('aria-expanded'));
    out.ariaHaspopupBefore = norm(ariaTarget.getAttribute?.('aria-haspopup'));
  }

  out.domCountStart = domElementCount();

  window.__surfariWatch = {
    out,
    ariaTarget,
    cleanup: () => { try { mo && mo.disconnect(); } catch(_) {} }
  };

  return { started: true };
}
`

// finishExpansionWatchJS takes the final snapshot, compares ARIA state,
// and tears the watch down.
const finishExpansionWatchJS = `
() => {
  const sess = window.__surfariWatch;
  if (!sess || !sess.out) return { error: "no-session" };
  const out = sess.out;
  const ariaTarget = sess.ariaTarget || null;

  const domElementCount = () => {
    try {
      return document.querySelectorAll('*').length
           - document.querySelectorAll('#__surfari_reasoning_box__').length;
    } catch(_) { return 0; }
  };
  const norm = (v) => (v == null ? null : String(v).toLowerCase());

  const domCountEnd = domElementCount();
  const durationMs = Date.now() - (out.startedAt || Date.now());

  const stillThere = !!(ariaTarget && ariaTarget.isConnected);
  const ariaExpandedAfter = norm(stillThere ? ariaTarget.getAttribute('aria-expanded') : null);

  try { sess.cleanup?.(); } catch(_) {}
  try { delete window.__surfariWatch; } catch(_) {}

  return {
    domCountStart: out.domCountStart,
    domCountEnd,
    netDomDelta: domCountEnd - out.domCountStart,
    popup: !!out.popup,
    overlay: !!out.overlay,
    durationMs,
    ariaFound: !!out.ariaFound,
    ariaStrategy: out.ariaStrategy,
    ariaExpandedBefore: out.ariaExpandedBefore,
    ariaExpandedAfter,
    ariaFlippedFalseToTrue: (out.ariaExpandedBefore === "false" && ariaExpandedAfter === "true"),
  };
}
`

// expansionCheck is the verdict on whether an action expanded the page.
type expansionCheck struct {
	Safe    bool
	Reason  string
	Metrics map[string]any
}

func startExpansionWatch(loc playwright.Locator) error {
	_, err := loc.Evaluate(startExpansionWatchJS, nil)
	return err
}

// finishExpansionWatch reports unsafe when a popup/overlay appeared, the
// DOM changed by more than 40 elements, or aria-expanded flipped to true.
func finishExpansionWatch(loc playwright.Locator) (expansionCheck, error) {
	raw, err := loc.Evaluate(finishExpansionWatchJS, nil)
	if err != nil {
		return expansionCheck{}, err
	}
	metrics, ok := raw.(map[string]any)
	if !ok || metrics["error"] == "no-session" {
		return expansionCheck{Safe: false, Reason: "observer session missing (navigation or not started)", Metrics: map[string]any{}}, nil
	}
	return evaluateExpansionMetrics(metrics), nil
}

func evaluateExpansionMetrics(metrics map[string]any) expansionCheck {
	popupOpened := asBool(metrics["popup"]) || asBool(metrics["overlay"])
	delta := asInt(metrics["netDomDelta"])
	if delta < 0 {
		delta = -delta
	}
	bigDOMChange := delta > 40
	ariaOpened := asBool(metrics["ariaFlippedFalseToTrue"])

	if popupOpened || bigDOMChange || ariaOpened {
		var reasons []string
		if popupOpened {
			reasons = append(reasons, "popup/overlay added")
		}
		if bigDOMChange {
			reasons = append(reasons, "large DOM change detected")
		}
		if ariaOpened {
			reasons = append(reasons, "aria-expanded changed from false to true")
		}
		return expansionCheck{Safe: false, Reason: strings.Join(reasons, " / "), Metrics: metrics}
	}
	return expansionCheck{Safe: true, Reason: "safe", Metrics: metrics}
}

// takeActions performs up to numSteps resolved steps in order. Each step
// must carry a "locator" placed there by the turn loop. Results are
// written back into the step maps under "result".
func (r *actionRunner) takeActions(ctx context.Context, page playwright.Page, steps []map[string]any, numSteps int, reasoning string) []map[string]any {
	r.logger.Debug(ctx, "performing steps", "count", numSteps)

	skipSubsequent := false
	for i, step := range steps {
		stepName := fmt.Sprintf("locator_action %d", i+1)
		if skipSubsequent {
			r.logger.Debug(ctx, "skipping subsequent actions after expansion", "step", stepName)
			step["result"] = "Wait: The last successful action caused the page to show/hide elements. You need to re-evaluate based on the current page content."
			break
		}

		if asBool(step["is_expandable_element"]) {
			skipSubsequent = true
		}

		action, _ := step["action"].(string)
		value, _ := step["value"].(string)
		target, _ := step["target"].(string)
		if action == "" {
			step["result"] = "Error: No action provided"
			continue
		}
		locator, _ := step["locator"].(playwright.Locator)
		if locator == nil {
			step["result"] = "Error: No locator provided"
			continue
		}
		if (action == "fill" || action == "select") && value == "" {
			step["result"] = "Error: No value provided"
			continue
		}

		element, errMsg := resolveVisibleElement(locator)
		if errMsg != "" {
			r.logger.Warn(ctx, "element resolution failed", "step", stepName, "error", errMsg)
			step["result"] = errMsg
			continue
		}

		if disabled, err := element.IsDisabled(); err == nil && disabled {
			step["result"] = "Error: Element is currently disabled. You should try something else"
			continue
		}

		boxDuration := r.cfg.App.ShowReasoningBoxDuration
		r.prepareElement(ctx, page, element, reasoning, boxDuration)

		if err := r.performAction(ctx, page, element, step, action, value, target, stepName); err != nil {
			r.logger.Error(ctx, "error performing action", "step", stepName, "error", err)
			step["result"] = fmt.Sprintf("Error: failed to perform action: %v", err)
		} else if _, done := step["result"]; !done {
			step["result"] = "success"
			page.WaitForTimeout(float64(boxDuration + 100))
		} else if res, _ := step["result"].(string); strings.HasPrefix(res, "Success with note:") {
			// The fill expanded the page; later steps target stale layout.
			skipSubsequent = true
		}

		if i+1 == numSteps {
			break
		}
	}
	return steps
}

// resolveVisibleElement narrows a multi-match locator to its first visible
// element, or the first element when none is visible.
func resolveVisibleElement(locator playwright.Locator) (playwright.Locator, string) {
	count, err := locator.Count()
	if err != nil {
		return nil, fmt.Sprintf("Error: Invalid locator: %v", err)
	}
	if count == 0 {
		return nil, "Error: Element not found"
	}
	if count == 1 {
		return locator, ""
	}
	for i := 0; i < count; i++ {
		candidate := locator.Nth(i)
		if visible, err := candidate.IsVisible(); err == nil && visible {
			return candidate, ""
		}
	}
	return locator.First(), ""
}

// prepareElement scrolls the element into view, moves the mouse onto it,
// and shows the reasoning overlay. Failures here never block the action.
func (r *actionRunner) prepareElement(ctx context.Context, page playwright.Page, element playwright.Locator, reasoning string, boxDuration int) {
	if err := element.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: playwright.Float(2000),
	}); err != nil {
		r.logger.Error(ctx, "will force after error preparing for action", "error", err)
		return
	}
	if err := element.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(2000),
	}); err != nil {
		r.logger.Error(ctx, "will force after error preparing for action", "error", err)
		return
	}
	moveMouseTo(page, element)
	if r.cfg.App.ShowReasoningBox && reasoning != "" {
		r.showReasoningBox(ctx, page, element, reasoning, boxDuration)
	}
}

func (r *actionRunner) performAction(ctx context.Context, page playwright.Page, element playwright.Locator, step map[string]any, action, value, target, stepName string) error {
	switch action {
	case "click":
		return r.clickElement(ctx, page, element, stepName)
	case "fill":
		return r.fillElement(ctx, page, element, step, value, target, stepName)
	case "select":
		_, err := element.SelectOption(playwright.SelectOptionValues{
			ValuesOrLabels: &[]string{value},
		}, playwright.LocatorSelectOptionOptions{Timeout: playwright.Float(10000), Force: playwright.Bool(true)})
		return err
	case "check":
		if err := element.Check(playwright.LocatorCheckOptions{Timeout: playwright.Float(1000), Force: playwright.Bool(true)}); err != nil {
			_, evalErr := element.Evaluate(closestToggleClickJS, nil)
			return evalErr
		}
		return nil
	case "uncheck":
		if err := element.Uncheck(playwright.LocatorUncheckOptions{Timeout: playwright.Float(1000), Force: playwright.Bool(true)}); err != nil {
			_, evalErr := element.Evaluate(closestToggleClickJS, nil)
			return evalErr
		}
		return nil
	case "dbclick":
		return element.Dblclick(playwright.LocatorDblclickOptions{Timeout: playwright.Float(1000), Force: playwright.Bool(true)})
	default:
		step["result"] = "Error: Unsupported action: " + action
		return nil
	}
}

// closestToggleClickJS clicks the nearest checkbox or radio wrapper when
// the element itself refuses a direct check.
const closestToggleClickJS = `
el => {
    let match = el.closest('mat-checkbox, [role="checkbox"], label, [role="radio"], input[type="checkbox"], input[type="radio"]');
    if (match) match.click();
}
`

// clickElement tries a forced playwright click, then falls back to
// scrolling the element near the viewport top and dispatching a synthetic
// click event.
func (r *actionRunner) clickElement(ctx context.Context, page playwright.Page, element playwright.Locator, stepName string) error {
	err := element.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(2000), Force: playwright.Bool(true)})
	if err == nil {
		return nil
	}
	r.logger.Error(ctx, "retrying click with JS dispatch", "step", stepName, "error", err)

	rawY, err := element.Evaluate("el => el.getBoundingClientRect().top + window.scrollY", nil)
	if err != nil {
		return err
	}
	if _, err := page.Evaluate(fmt.Sprintf("() => window.scrollTo(0, %d)", asInt(rawY)-100)); err != nil {
		return err
	}
	_, err = element.Evaluate(`
    el => {
        const event = new MouseEvent('click', {
            bubbles: true,
            cancelable: true,
            view: window
        });
        el.dispatchEvent(event);
    }
    `, nil)
	return err
}

func (r *actionRunner) fillElement(ctx context.Context, page playwright.Page, element playwright.Locator, step map[string]any, value, target, stepName string) error {
	if err := element.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(2000), Force: playwright.Bool(true)}); err != nil {
		return err
	}
	rawTag, _ := element.Evaluate("el => el.tagName", nil)
	tagName, _ := rawTag.(string)
	if strings.EqualFold(tagName, "td") {
		// Handsontable grids edit through a shared floating textarea.
		if err := element.Dblclick(playwright.LocatorDblclickOptions{Timeout: playwright.Float(2000), Force: playwright.Bool(true)}); err != nil {
			return err
		}
		input := page.Locator("textarea.handsontableInput[data-hot-input]")
		return input.Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(2000), Force: playwright.Bool(true)})
	}

	if err := startExpansionWatch(element); err != nil {
		r.logger.Warn(ctx, "failed to start expansion watch", "step", stepName, "error", err)
	}
	rawType, _ := element.Evaluate("el => el.type", nil)
	inputType, _ := rawType.(string)
	if strings.EqualFold(inputType, "number") {
		if err := element.Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(2000), Force: playwright.Bool(true)}); err != nil {
			return err
		}
	} else {
		if err := element.Clear(playwright.LocatorClearOptions{Timeout: playwright.Float(2000), Force: playwright.Bool(true)}); err != nil {
			return err
		}
		page.WaitForTimeout(300)
		if err := element.PressSequentially(value, playwright.LocatorPressSequentiallyOptions{Delay: playwright.Float(50)}); err != nil {
			return err
		}
	}

	res, err := finishExpansionWatch(element)
	if err != nil {
		r.logger.Warn(ctx, "failed to finish expansion watch", "step", stepName, "error", err)
		return nil
	}
	if !res.Safe {
		metrics, _ := json.Marshal(res.Metrics)
		r.logger.Info(ctx, "filling may have changed the page", "step", stepName, "target", target, "reason", res.Reason, "metrics", string(metrics))
		step["result"] = fmt.Sprintf("Success with note: filling %s caused the page layout to change, potentially to show matches or suggestions. If they appear, click to select the match.", target)
	}
	return nil
}

// moveMouseTo moves the cursor to a random point inside the element in a
// few small steps.
func moveMouseTo(page playwright.Page, loc playwright.Locator) {
	if visible, err := loc.IsVisible(); err != nil || !visible {
		return
	}
	box, err := loc.BoundingBox()
	if err != nil || box == nil {
		return
	}
	x := box.X + box.Width*rand.Float64()
	y := box.Y + box.Height*rand.Float64()
	steps := rand.Intn(5) + 1
	_ = page.Mouse().Move(x, y, playwright.MouseMoveOptions{Steps: playwright.Int(steps)})
}

// scrollableListJS enumerates scrollable elements largest first, with the
// document itself as a candidate.
const scrollableListJS = `
() => {
    function isScrollable(el) {
        const style = getComputedStyle(el);
        return (style.overflowY === 'auto' || style.overflowY === 'scroll') &&
               el.scrollHeight > el.clientHeight;
    }

    const scrollables = [];
    const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_ELEMENT);
    let node = walker.nextNode();
    while (node) {
        if (isScrollable(node)) {
            scrollables.push({
                tag: node.tagName,
                id: node.id || null,
                class: Array.from(node.classList),
                scrollHeight: node.scrollHeight,
                clientHeight: node.clientHeight
            });
        }
        node = walker.nextNode();
    }

    const doc = document.scrollingElement || document.body;
    if (doc.scrollHeight > doc.clientHeight) {
        scrollables.push({
            tag: doc.tagName,
            id: doc.id || null,
            class: Array.from(doc.classList),
            scrollHeight: doc.scrollHeight,
            clientHeight: doc.clientHeight
        });
    }
    scrollables.sort((a, b) => b.scrollHeight - a.scrollHeight);
    return scrollables;
}
`

var cssSpecialChar = regexp.MustCompile(`[^\w-]`)

func cssEscape(s string) string {
	return cssSpecialChar.ReplaceAllStringFunc(s, func(m string) string {
		return "\\" + m
	})
}

// mainScrollableLocator returns a locator for the largest scrollable
// element, or nil when the page has none.
func (r *actionRunner) mainScrollableLocator(ctx context.Context, page playwright.Page) (playwright.Locator, map[string]any) {
	raw, err := page.Evaluate(scrollableListJS)
	if err != nil {
		r.logger.Warn(ctx, "failed to list scrollable elements", "error", err)
		return nil, nil
	}
	items, _ := raw.([]any)
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tag, _ := entry["tag"].(string)
		id, _ := entry["id"].(string)
		classes, _ := entry["class"].([]any)

		if id != "" {
			return page.Locator("#" + id), entry
		}
		if len(classes) > 0 {
			var escaped []string
			for _, c := range classes {
				if s, ok := c.(string); ok {
					escaped = append(escaped, cssEscape(s))
				}
			}
			if len(escaped) > 0 {
				return page.Locator(tag + "." + strings.Join(escaped, ".")), entry
			}
		}
		return page.Locator(tag), entry
	}
	return nil, nil
}

// scrollMainScrollable smooth-scrolls the main scrollable to its bottom,
// or to the top when toTop is set. Returns whether the position moved.
func (r *actionRunner) scrollMainScrollable(ctx context.Context, page playwright.Page, toTop bool) bool {
	locator, entry := r.mainScrollableLocator(ctx, page)
	if locator == nil {
		r.logger.Warn(ctx, "no scrollable element found")
		return false
	}
	r.logger.Info(ctx, "scrolling main scrollable", "to_top", toTop, "element", entry)

	rawBefore, err := locator.Evaluate("el => el.scrollTop", nil)
	if err != nil {
		return false
	}
	before := asInt(rawBefore)

	_, err = locator.Evaluate(`
        (el, toTop) => {
            const target = toTop ? 0 : el.scrollHeight - el.clientHeight;
            el.scrollTo({ top: target, behavior: 'smooth' });
        }
    `, toTop)
	if err != nil {
		return false
	}
	page.WaitForTimeout(50)

	rawAfter, err := locator.Evaluate("el => el.scrollTop", nil)
	if err != nil {
		return false
	}
	after := asInt(rawAfter)
	r.logger.Info(ctx, "scrolled", "from", before, "to", after)

	if toTop {
		return after != before
	}
	return after > before
}

// reasoningBoxJS places a floating explanation box next to the element
// being acted on, or centers it when no box is given.
const reasoningBoxJS = `
({ box, reasoning, timeoutMs }) => {
    const MARGIN = 16;
    const PADDING = 8;
    const vw = window.innerWidth;
    const vh = window.innerHeight;

    document.getElementById("__surfari_reasoning_box__")?.remove();

    const div = document.createElement("div");
    div.id = "__surfari_reasoning_box__";
    div.textContent = reasoning;

    Object.assign(div.style, {
        position: "fixed",
        background: "#f5f5f5",
        color: "black",
        fontSize: "16px",
        fontWeight: "bold",
        fontFamily: "Arial, Helvetica, sans-serif",
        lineHeight: "1.4",
        WebkitFontSmoothing: "antialiased",
        padding: "6px 8px",
        border: "1px solid black",
        borderRadius: "4px",
        whiteSpace: "pre-wrap",
        wordBreak: "break-word",
        maxWidth: "300px",
        zIndex: 999999,
        boxShadow: "0px 0px 5px rgba(0,0,0,0.3)",
        pointerEvents: "none",
        visibility: "hidden",
        left: "0px",
        top: "0px",
    });

    document.body.appendChild(div);

    const bw = div.offsetWidth;
    const bh = div.offsetHeight;

    let left, top;

    if (!box) {
        left = (vw - bw) / 2;
        top = (vh - bh) / 2;
    } else {
        left = box.x + box.width + MARGIN;
        if (left + bw > vw - PADDING) {
            left = box.x - MARGIN - bw;
        }
        left = Math.max(PADDING, Math.min(left, vw - PADDING - bw));

        top = box.y;
        top = Math.max(PADDING, Math.min(top, vh - PADDING - bh));
    }

    div.style.left = left + "px";
    div.style.top = top + "px";
    div.style.visibility = "visible";

    setTimeout(() => div.remove(), timeoutMs);
}
`

// showReasoningBox displays the model's reasoning near the element, or
// centered when loc is nil. The box auto-removes after durationMs.
func (r *actionRunner) showReasoningBox(ctx context.Context, page playwright.Page, loc playwright.Locator, reasoning string, durationMs int) {
	var box map[string]any
	if loc != nil {
		rect, err := loc.BoundingBox()
		if err == nil && rect != nil {
			box = map[string]any{"x": rect.X, "y": rect.Y, "width": rect.Width, "height": rect.Height}
		}
	}
	_, err := page.Evaluate(reasoningBoxJS, map[string]any{
		"box": box, "reasoning": reasoning, "timeoutMs": durationMs,
	})
	if err != nil {
		r.logger.Warn(ctx, "error showing reasoning box", "error", err)
	}
}

// controlBarJS injects the bottom control bar users interact with when the
// agent hands control over. Toggling or submitting a form sets
// window.surfariMode, which the resume poll watches.
const controlBarJS = `
(message) => {
    const controlBar = document.createElement('div');
    controlBar.id = "__surfari_control_bar__";
    controlBar.style.position = 'fixed';
    controlBar.style.bottom = '0';
    controlBar.style.left = '0';
    controlBar.style.right = '0';
    controlBar.style.zIndex = '9999';
    controlBar.style.color = 'black';
    controlBar.style.padding = '10px';
    controlBar.style.fontSize = '14px';
    controlBar.style.display = 'flex';
    controlBar.style.alignItems = 'center';
    controlBar.style.backgroundColor = 'lightgray';
    controlBar.style.fontFamily = 'Arial, sans-serif';
    controlBar.style.boxShadow = '0px -2px 5px rgba(0,0,0,0.2)';

    const statusContainer = document.createElement('div');
    statusContainer.style.display = 'flex';
    statusContainer.style.alignItems = 'center';

    const messageSpan = document.createElement('span');
    messageSpan.textContent = message;
    messageSpan.style.fontSize = '16px';
    messageSpan.style.fontWeight = 'bold';
    messageSpan.style.color = '#333';
    messageSpan.style.marginRight = '24px';
    statusContainer.appendChild(messageSpan);

    const toggleButton = document.createElement('button');
    toggleButton.textContent = 'Toggle Mode';
    toggleButton.style.marginLeft = 'auto';
    toggleButton.style.padding = '5px 12px';
    toggleButton.style.border = 'none';
    toggleButton.style.borderRadius = '4px';
    toggleButton.style.backgroundColor = '#555';
    toggleButton.style.color = 'white';
    toggleButton.style.cursor = 'pointer';

    controlBar.appendChild(statusContainer);
    controlBar.appendChild(toggleButton);
    document.body.appendChild(controlBar);

    window.surfariMode = false;

    const updateUI = (enabled) => {
        toggleButton.textContent = enabled ? 'Switch to Manual' : 'Continue to Automation';
        controlBar.style.backgroundColor = enabled ? 'lightgreen' : 'gold';
    };

    toggleButton.onclick = () => {
        window.surfariMode = !window.surfariMode;
        updateUI(window.surfariMode);
    };

    document.addEventListener('submit', (e) => {
        if (!window.surfariMode) {
            window.surfariMode = true;
            updateUI(true);
        }
    }, true);

    updateUI(window.surfariMode);
}
`

func injectControlBar(page playwright.Page, message string) error {
	_, err := page.Evaluate(controlBarJS, message)
	return err
}

func removeControlBar(page playwright.Page) error {
	_, err := page.Evaluate(`() => {
        const bar = document.getElementById("__surfari_control_bar__");
        if (bar) bar.remove();
    }`)
	return err
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		f, _ := n.Float64()
		return int(f)
	default:
		return 0
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
