// Package stealth renders the fingerprint evasions injected into every new
// document before page scripts run. The script is parameterized by identity
// so the JavaScript surface agrees with the HTTP surface.
package stealth

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

//go:embed evasions.js
var evasionsJS string

// Script renders the evasion bundle for one identity. The result must be
// registered to run on every new document (all frames) before any page
// script executes, and leaves no globals behind.
func Script(ident schemas.Identity) string {
	params := map[string]interface{}{
		"platform":  ident.Platform,
		"vendor":    vendorFor(ident.BrowserName),
		"languages": languagesFor(ident.AcceptLanguage),
		"chrome":    ident.BrowserName == "chrome" || ident.BrowserName == "edge",
		"screen": map[string]int{
			"width":  ident.Viewport.Width,
			"height": ident.Viewport.Height,
		},
	}
	blob, err := json.Marshal(params)
	if err != nil {
		blob = []byte("{}")
	}
	return fmt.Sprintf("(() => {\nconst params = %s;\n%s\n})();", blob, evasionsJS)
}

// languagesFor converts an Accept-Language header value into the matching
// navigator.languages array.
func languagesFor(acceptLanguage string) []string {
	var out []string
	for _, part := range strings.Split(acceptLanguage, ",") {
		lang := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if lang != "" {
			out = append(out, lang)
		}
	}
	if len(out) == 0 {
		out = []string{"en-US", "en"}
	}
	return out
}

func vendorFor(browser string) string {
	switch browser {
	case "chrome", "edge":
		return "Google Inc."
	case "safari":
		return "Apple Computer, Inc."
	default:
		return ""
	}
}
