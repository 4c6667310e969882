package portal

import (
	"encoding/json"
	"fmt"
)

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// setDatesScript fills both calendar inputs and notifies the server through
// the framework, or plain change events when it is absent.
func setDatesScript(fromID, toID, form, from, to string) string {
	return fmt.Sprintf(`(function(fromID, toID, form, fromDate, toDate) {
	var fromInput = document.getElementById(fromID + '_input');
	var toInput = document.getElementById(toID + '_input');
	if (!fromInput || !toInput) return false;
	fromInput.value = fromDate;
	toInput.value = toDate;
	if (typeof PrimeFaces !== 'undefined') {
		PrimeFaces.ab({s: fromID, e: 'change', f: form, p: fromID, u: form});
		PrimeFaces.ab({s: toID, e: 'change', f: form, p: toID, u: form});
	} else {
		fromInput.dispatchEvent(new Event('change', { bubbles: true }));
		toInput.dispatchEvent(new Event('change', { bubbles: true }));
	}
	return true;
})(%s, %s, %s, %s, %s)`, jsString(fromID), jsString(toID), jsString(form), jsString(from), jsString(to))
}

// selectOptionScript picks value on the named select, falling back to any
// select offering that option.
func selectOptionScript(name, value string) string {
	return fmt.Sprintf(`(function(name, value) {
	function pick(sel) {
		for (var i = 0; i < sel.options.length; i++) {
			if (sel.options[i].value === value) {
				sel.value = value;
				sel.dispatchEvent(new Event('change', { bubbles: true }));
				return true;
			}
		}
		return false;
	}
	var named = document.querySelector('select[name="' + name + '"]');
	if (named && pick(named)) return true;
	var all = document.querySelectorAll('select');
	for (var i = 0; i < all.length; i++) {
		if (pick(all[i])) return true;
	}
	return false;
})(%s, %s)`, jsString(name), jsString(value))
}

// statusScript leaves exactly the checkbox whose value is status ticked.
func statusScript(status string) string {
	return fmt.Sprintf(`(function(status) {
	var changed = 0;
	document.querySelectorAll('.ui-chkbox').forEach(function(cb) {
		var input = cb.querySelector("input[type='checkbox']");
		if (!input) return;
		var want = input.value === status;
		if (input.checked !== want) {
			var box = cb.querySelector('.ui-chkbox-box');
			if (box) { box.click(); changed++; }
		}
	});
	return changed;
})(%s)`, jsString(status))
}

func submitScript(sourceID, form string) string {
	return fmt.Sprintf(`(function(sourceID, form) {
	if (typeof PrimeFaces === 'undefined') return false;
	PrimeFaces.ab({s: sourceID, f: form, u: form});
	return true;
})(%s, %s)`, jsString(sourceID), jsString(form))
}

func redirectScript(url string) string {
	return fmt.Sprintf(`window.location.href = %s`, jsString(url))
}
