package firefox

import (
	"strings"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/session"
)

// WebDriver BiDi commands and events used by the driver.
const (
	cmdSessionNew          = "session.new"
	cmdSessionSubscribe    = "session.subscribe"
	cmdGetTree             = "browsingContext.getTree"
	cmdNavigate            = "browsingContext.navigate"
	cmdCreate              = "browsingContext.create"
	cmdCaptureScreenshot   = "browsingContext.captureScreenshot"
	cmdSetViewport         = "browsingContext.setViewport"
	cmdAddPreloadScript    = "script.addPreloadScript"
	cmdCallFunction        = "script.callFunction"
	cmdGetCookies          = "storage.getCookies"
	cmdSetCookie           = "storage.setCookie"
	cmdDeleteCookies       = "storage.deleteCookies"
	cmdSetDownloadBehavior = "browser.setDownloadBehavior"
	cmdInstallExtension    = "webExtension.install"

	evContextCreated    = "browsingContext.contextCreated"
	evContextDestroyed  = "browsingContext.contextDestroyed"
	evLoad              = "browsingContext.load"
	evFragmentNavigated = "browsingContext.fragmentNavigated"
	evDownloadWillBegin = "browsingContext.downloadWillBegin"
	evDownloadEnd       = "browsingContext.downloadEnd"
	evScriptMessage     = "script.message"
)

// utilityChannel carries utility binding payloads as script.message events.
const utilityChannel = "browserkit-utility"

// coreEvents are supported by every Firefox with BiDi. Download events arrived later and are
// subscribed separately.
var (
	coreEvents     = []string{evContextCreated, evContextDestroyed, evLoad, evFragmentNavigated, evScriptMessage}
	downloadEvents = []string{evDownloadWillBegin, evDownloadEnd}
)

// utilityFunction exposes the channel under the binding name, then runs the shared script.
var utilityFunction = "(channel) => { globalThis." + automation.BindingName + " = (payload) => channel(payload); " + automation.BindingScript + " }"

type sessionNewResult struct {
	SessionID    string `json:"sessionId"`
	Capabilities struct {
		BrowserName    string `json:"browserName"`
		BrowserVersion string `json:"browserVersion"`
	} `json:"capabilities"`
}

type contextInfo struct {
	Context  string        `json:"context"`
	URL      string        `json:"url"`
	Parent   string        `json:"parent,omitempty"`
	Children []contextInfo `json:"children,omitempty"`
}

type getTreeResult struct {
	Contexts []contextInfo `json:"contexts"`
}

type navigationInfo struct {
	Context           string `json:"context"`
	Navigation        string `json:"navigation"`
	URL               string `json:"url"`
	SuggestedFilename string `json:"suggestedFilename,omitempty"`
	Status            string `json:"status,omitempty"`
}

type channelArgument struct {
	Type  string `json:"type"`
	Value struct {
		Channel string `json:"channel"`
	} `json:"value"`
}

func utilityArguments() []channelArgument {
	arg := channelArgument{Type: "channel"}
	arg.Value.Channel = utilityChannel
	return []channelArgument{arg}
}

type scriptMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"data"`
	Source struct {
		Context string `json:"context"`
	} `json:"source"`
}

type bytesValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type cookie struct {
	Name     string     `json:"name"`
	Value    bytesValue `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path,omitempty"`
	HTTPOnly bool       `json:"httpOnly"`
	Secure   bool       `json:"secure"`
	SameSite string     `json:"sameSite,omitempty"`
	Expiry   int64      `json:"expiry,omitzero"`
}

type getCookiesResult struct {
	Cookies []cookie `json:"cookies"`
}

func (c cookie) toSession() session.Cookie {
	return session.Cookie{
		Name:     c.Name,
		Value:    c.Value.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  float64(c.Expiry),
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: titleSameSite(c.SameSite),
	}
}

func fromSession(c session.Cookie) cookie {
	return cookie{
		Name:     c.Name,
		Value:    bytesValue{Type: "string", Value: c.Value},
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: strings.ToLower(c.SameSite),
		Expiry:   int64(c.Expires),
	}
}

// titleSameSite maps BiDi's lowercase same-site values to the CDP spelling callers use.
func titleSameSite(v string) string {
	switch v {
	case "strict":
		return "Strict"
	case "lax":
		return "Lax"
	case "none":
		return "None"
	}
	return v
}

// findContext returns the top-level context whose url matches, exact matches first.
func findContext(contexts []contextInfo, url string) string {
	var prefix string
	for _, c := range contexts {
		if c.URL == url {
			return c.Context
		}
		if prefix == "" && url != "" && strings.HasPrefix(c.URL, url) {
			prefix = c.Context
		}
	}
	return prefix
}

func flattenContexts(contexts []contextInfo, parent string) []automation.Frame {
	var out []automation.Frame
	for _, c := range contexts {
		p := c.Parent
		if p == "" {
			p = parent
		}
		out = append(out, automation.Frame{ID: c.Context, ParentID: p, URL: c.URL})
		out = append(out, flattenContexts(c.Children, c.Context)...)
	}
	return out
}
