package browser

import (
	"encoding/json"
	"fmt"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

// stealthScript runs before any page script and hides the usual automation tells.
const stealthScript = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  window.chrome = window.chrome || { runtime: {} };
  const query = window.navigator.permissions && window.navigator.permissions.query;
  if (query) {
    window.navigator.permissions.query = (p) =>
      p && p.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : query(p);
  }
})();`

// responseFields maps a challenge kind to the form fields its widget reads the token from.
var responseFields = map[challenge.Kind][]string{
	challenge.KindRecaptchaV2: {"g-recaptcha-response"},
	challenge.KindRecaptchaV3: {"g-recaptcha-response"},
	challenge.KindHCaptcha:    {"h-captcha-response", "g-recaptcha-response"},
	challenge.KindTurnstile:   {"cf-turnstile-response"},
}

// submitScript fills the token into the page and submits the enclosing form.
// It evaluates to true when a field was found.
func submitScript(d challenge.Descriptor, token string) (string, error) {
	quoted, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	if d.Kind == challenge.KindImage {
		return fmt.Sprintf(`(() => {
  const token = %s;
  const input = document.querySelector('input[name*="captcha" i], input[id*="captcha" i]');
  if (!input) { return false; }
  input.value = token;
  input.dispatchEvent(new Event('input', { bubbles: true }));
  if (input.form) { input.form.submit(); }
  return true;
})()`, quoted), nil
	}
	fields, ok := responseFields[d.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", challenge.ErrUnsupportedKind, d.Kind)
	}
	names, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const token = %s;
  let form = null;
  let found = false;
  for (const name of %s) {
    let el = document.querySelector('[name="' + name + '"]') || document.getElementById(name);
    if (!el) {
      el = document.createElement('textarea');
      el.name = name;
      el.style.display = 'none';
      (document.querySelector('form') || document.body).appendChild(el);
    } else {
      found = true;
    }
    el.value = token;
    el.innerHTML = token;
    form = form || el.form;
  }
  const widget = document.querySelector('[data-callback]');
  if (widget && typeof window[widget.dataset.callback] === 'function') {
    window[widget.dataset.callback](token);
  } else if (form) {
    form.submit();
  }
  return found;
})()`, quoted, names), nil
}
