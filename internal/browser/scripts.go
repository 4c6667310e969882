package browser

import (
	"encoding/json"
	"fmt"

	"github.com/xkilldash9x/exportcap/internal/capture"
)

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const ajaxIdleScript = `(function() {
	if (typeof PrimeFaces === 'undefined' || typeof PrimeFaces.ajax === 'undefined') return true;
	var queue = PrimeFaces.ajax.Queue;
	return !queue || queue.isEmpty();
})()`

// clickableTags are searched when an element is located by its visible name.
const clickableTags = "a, button, li, span, input[type=submit], [role=menuitem], [role=button]"

func existsScript(selector string) string {
	return fmt.Sprintf(`(function(sel) {
	try { return document.querySelector(sel) !== null; } catch (e) { return false; }
})(%s)`, jsString(selector))
}

func clickSelectorScript(selector string) string {
	return fmt.Sprintf(`(function(sel) {
	var el = null;
	try { el = document.querySelector(sel); } catch (e) { return false; }
	if (!el) return false;
	el.click();
	return true;
})(%s)`, jsString(selector))
}

func clickIDSuffixScript(suffix string) string {
	return fmt.Sprintf(`(function(suffix) {
	var all = document.querySelectorAll('[id]');
	for (var i = 0; i < all.length; i++) {
		var id = all[i].id;
		if (id === suffix || id.endsWith(':' + suffix) || id.endsWith(suffix)) {
			all[i].click();
			return true;
		}
	}
	return false;
})(%s)`, jsString(suffix))
}

func clickTextScript(text, tags string) string {
	return fmt.Sprintf(`(function(text, tags) {
	var all = document.querySelectorAll(tags);
	for (var i = 0; i < all.length; i++) {
		var el = all[i];
		var label = (el.textContent || '').trim();
		if (label === text || el.getAttribute('aria-label') === text || el.value === text) {
			el.click();
			return true;
		}
	}
	return false;
})(%s, %s)`, jsString(text), jsString(tags))
}

// locatorScript returns the script that clicks loc and evaluates to whether
// an element was found.
func locatorScript(loc capture.Locator) (string, error) {
	switch loc.Kind {
	case capture.ByCSS:
		return clickSelectorScript(loc.Value), nil
	case capture.ByIDSuffix:
		return clickIDSuffixScript(loc.Value), nil
	case capture.ByName:
		return clickTextScript(loc.Value, clickableTags), nil
	default:
		return "", fmt.Errorf("unsupported locator kind %d", int(loc.Kind))
	}
}

// callbackScript wraps a framework call template. The template receives the
// variable names holding the resolved component id and the form id; the
// wrapper evaluates to "" on success or the thrown error's text.
func callbackScript(template, triggerID, form string) string {
	call := fmt.Sprintf(template, "id", "form")
	return fmt.Sprintf(`(function(ref, form) {
	var el = document.getElementById(ref);
	if (!el) { try { el = document.querySelector(ref); } catch (e) {} }
	var id = el && el.id ? el.id : ref;
	try {
		%s;
		return "";
	} catch (e) {
		return String(e && e.message ? e.message : e);
	}
})(%s, %s)`, call, jsString(triggerID), jsString(form))
}

func fillScript(selector, value string) string {
	return fmt.Sprintf(`(function(sel, value) {
	var el = document.querySelector(sel);
	if (!el) return false;
	el.value = value;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
})(%s, %s)`, jsString(selector), jsString(value))
}

// discardScript runs script for its side effects and yields true, so
// statements and undefined results decode cleanly.
func discardScript(script string) string {
	return "(function() {\n" + script + ";\nreturn true;\n})()"
}
