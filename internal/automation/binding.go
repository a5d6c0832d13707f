package automation

import (
	"context"
	"fmt"

	"github.com/go-json-experiment/json"
)

// BindingName is the page-exposed function the utility script reports through.
const BindingName = "__browserkitUtility"

// BindingScript is installed on every new document and evaluated once in the current one. It
// reports service-worker registrations, controller changes and download requests through
// BindingName, and is a no-op when the binding is missing or the script already ran.
const BindingScript = `(() => {
  const binding = globalThis.` + BindingName + `;
  if (typeof binding !== 'function' || globalThis.__browserkitUtilityInstalled) return;
  globalThis.__browserkitUtilityInstalled = true;
  const send = (payload) => { try { binding(JSON.stringify(payload)); } catch (e) {} };
  const sw = globalThis.navigator && navigator.serviceWorker;
  if (sw && typeof sw.register === 'function') {
    const register = sw.register.bind(sw);
    sw.register = function (scriptURL, options) {
      const url = new URL(String(scriptURL), location.href).href;
      send({ type: 'serviceWorkerRegistration', scriptURL: url, scope: options && options.scope ? new URL(String(options.scope), location.href).href : '', initiatorOrigin: location.origin });
      return register(scriptURL, options);
    };
    sw.addEventListener('controllerchange', () => {
      const c = sw.controller;
      send({ type: 'serviceWorkerClientEvent', event: 'controllerchange', scriptURL: c ? c.scriptURL : '' });
    });
  }
  document.addEventListener('click', (e) => {
    const a = e.target && e.target.closest ? e.target.closest('a[download]') : null;
    if (!a || !a.href) return;
    send({ type: 'downloadLinkClicked', url: a.href, filename: a.getAttribute('download') || '' });
  }, true);
  if (globalThis.navigation && typeof navigation.addEventListener === 'function') {
    navigation.addEventListener('navigate', (e) => {
      if (e.downloadRequest !== null && e.downloadRequest !== undefined) {
        send({ type: 'downloadLinkClicked', url: e.destination.url, filename: e.downloadRequest });
      }
    });
  }
})();`

type bindingPayload struct {
	Type            string `json:"type"`
	ScriptURL       string `json:"scriptURL"`
	Scope           string `json:"scope"`
	InitiatorOrigin string `json:"initiatorOrigin"`
	Event           string `json:"event"`
	URL             string `json:"url"`
	Filename        string `json:"filename"`
}

// ParseBindingPayload decodes one call of the utility binding into its event.
func ParseBindingPayload(frameID, payload string) (Event, error) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("malformed utility binding payload: %w", err)
	}
	switch p.Type {
	case "serviceWorkerRegistration":
		return ServiceWorkerRegistration{ScriptURL: p.ScriptURL, Scope: p.Scope, InitiatorOrigin: p.InitiatorOrigin, FrameID: frameID}, nil
	case "serviceWorkerClientEvent":
		return ServiceWorkerClientEvent{Type: p.Event, ScriptURL: p.ScriptURL, Scope: p.Scope, FrameID: frameID}, nil
	case "downloadLinkClicked":
		if p.URL == "" {
			return nil, fmt.Errorf("download click without url")
		}
		return DownloadLinkClicked{URL: p.URL, Filename: p.Filename, FrameID: frameID}, nil
	}
	return nil, fmt.Errorf("unknown utility binding payload type %q", p.Type)
}

// HandleBindingPayload parses a binding call and pushes the resulting event.
func (b *Bridge) HandleBindingPayload(ctx context.Context, frameID, payload string) error {
	ev, err := ParseBindingPayload(frameID, payload)
	if err != nil {
		return err
	}
	return b.Push(ctx, ev)
}
