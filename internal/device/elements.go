package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// ParseBounds parses the uiautomator bounds attribute, e.g. "[0,96][1080,230]".
func ParseBounds(s string) (schemas.Rect, error) {
	cleaned := strings.NewReplacer("][", ",", "[", "", "]", "").Replace(s)
	parts := strings.Split(cleaned, ",")
	if len(parts) != 4 {
		return schemas.Rect{}, fmt.Errorf("malformed bounds attribute %q", s)
	}

	coords := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return schemas.Rect{}, fmt.Errorf("malformed bounds attribute %q: %w", s, err)
		}
		coords[i] = v
	}
	return schemas.Rect{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}, nil
}

var (
	searchKeywords = []string{"search", "query", "find"}
	navKeywords    = []string{"nav", "navigation", "tab", "toolbar", "home", "profile", "menu"}
)

// elementUID derives a stable, descriptive identifier for a hierarchy node
// and classifies a role hint when its attributes match known patterns.
// Resource-id wins when present; otherwise class plus rendered size. A short
// content description is appended for extra uniqueness.
func elementUID(elem *etree.Element) (uid, roleHint string) {
	bounds, err := ParseBounds(elem.SelectAttrValue("bounds", "[0,0][0,0]"))
	if err != nil {
		bounds = schemas.Rect{}
	}

	resID := elem.SelectAttrValue("resource-id", "")
	if resID != "" {
		uid = strings.ReplaceAll(strings.ReplaceAll(resID, "/", "_"), ":", ".")
	} else {
		class := elem.SelectAttrValue("class", "")
		if class == "" {
			class = "NoClass"
		}
		uid = fmt.Sprintf("%s_%dx%d", class, bounds.Width(), bounds.Height())
	}

	contentDesc := elem.SelectAttrValue("content-desc", "")
	if contentDesc != "" && len(contentDesc) < 25 {
		if suffix := sanitizeDesc(contentDesc); suffix != "" {
			uid += "_" + suffix
		}
	}

	class := strings.ToLower(elem.SelectAttrValue("class", ""))
	searchSpace := strings.ToLower(resID) + " " + strings.ToLower(contentDesc) + " " +
		strings.ToLower(elem.SelectAttrValue("text", ""))

	switch {
	case containsAny(searchSpace, searchKeywords) || strings.Contains(class, "searchview"):
		roleHint = "search_bar"
	case containsAny(searchSpace, navKeywords) ||
		strings.Contains(class, "bottomnavigation") || strings.Contains(class, "tabwidget"):
		roleHint = "nav_item"
	}

	return uid, roleHint
}

func sanitizeDesc(desc string) string {
	var b strings.Builder
	for _, r := range desc {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r == '_' || r == '-':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// tooClose reports whether a candidate center falls within the merge
// tolerance of any already accepted element. Re-renders shift bounds by a few
// pixels without representing a different target, so near-coincident elements
// collapse into the first one seen.
func tooClose(x, y int, accepted []schemas.UIElement, minDist int) bool {
	for _, e := range accepted {
		ex, ey := e.Center()
		if abs(x-ex)+abs(y-ey) < minDist {
			return true
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
