// internal/browser/cdp/replay.go
package cdp

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// replayFunction applies a mutation journal to the live document and returns
// how many entries could not be applied. Each path was recorded against the
// tree as it stood after the preceding entries, so entries apply in order.
const replayFunction = `(function(muts) {
  let failed = 0;
  const valueSetter = (el) => {
    const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype
      : el instanceof HTMLSelectElement ? HTMLSelectElement.prototype
      : HTMLInputElement.prototype;
    const desc = Object.getOwnPropertyDescriptor(proto, 'value');
    return desc && desc.set ? desc.set.bind(el) : (v) => { el.value = v; };
  };
  for (const m of muts) {
    let el = null;
    try { el = m.path ? document.querySelector(m.path) : null; } catch (e) { el = null; }
    try {
      switch (m.kind) {
        case 'insert_style': {
          const old = document.getElementById(m.name);
          if (old) old.remove();
          const style = document.createElement('style');
          style.id = m.name;
          style.textContent = m.value;
          (document.head || document.documentElement).appendChild(style);
          continue;
        }
      }
      if (!el) { failed++; continue; }
      switch (m.kind) {
        case 'set_attribute': el.setAttribute(m.name, m.value); break;
        case 'remove_attribute': el.removeAttribute(m.name); break;
        case 'set_value': valueSetter(el)(m.value); break;
        case 'click': el.click(); break;
        case 'dispatch': el.dispatchEvent(new Event(m.name, { bubbles: true })); break;
        case 'scroll_into_view': el.scrollIntoView({ behavior: 'smooth', block: 'center', inline: 'nearest' }); break;
        case 'remove_element': el.remove(); break;
        case 'pause_media': el.pause(); el.muted = true; break;
        case 'resume_media': el.muted = false; break;
        default: failed++;
      }
    } catch (e) { failed++; }
  }
  return failed;
})(%s)`

// replayScript renders the journal into a self-contained expression.
func replayScript(muts []dom.Mutation) (string, error) {
	payload, err := json.Marshal(muts)
	if err != nil {
		return "", fmt.Errorf("failed to encode mutation journal: %w", err)
	}
	return fmt.Sprintf(replayFunction, payload), nil
}
