package device

import (
	"fmt"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// ExtractInteractiveElements walks a uiautomator hierarchy dump and returns
// the normalized set of interactive (clickable or focusable) elements.
// Elements whose centers fall within minDist Manhattan distance of an already
// accepted element are merged away so the decision step never sees duplicate
// or ambiguous targets.
func ExtractInteractiveElements(xmlPath string, minDist int, logger *zap.Logger) ([]schemas.UIElement, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(xmlPath); err != nil {
		return nil, fmt.Errorf("failed to parse hierarchy dump %q: %w", xmlPath, err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("hierarchy dump %q has no root node", xmlPath)
	}

	var elements []schemas.UIElement
	walkElements(root, func(elem *etree.Element) {
		clickable := elem.SelectAttrValue("clickable", "") == "true"
		focusable := elem.SelectAttrValue("focusable", "") == "true"
		if !clickable && !focusable {
			return
		}

		boundsAttr := elem.SelectAttrValue("bounds", "")
		if boundsAttr == "" {
			return
		}
		bounds, err := ParseBounds(boundsAttr)
		if err != nil {
			logger.Warn("Skipping element with unparseable bounds",
				zap.String("bounds", boundsAttr), zap.Error(err))
			return
		}

		cx, cy := bounds.Center()
		if tooClose(cx, cy, elements, minDist) {
			return
		}

		uid, roleHint := elementUID(elem)
		// Prefix the parent's identity so repeated widgets in different
		// containers stay distinguishable.
		if parent := elem.Parent(); parent != nil && parent.Tag != "" && parent != root {
			parentUID, _ := elementUID(parent)
			uid = parentUID + "." + uid
		}

		elements = append(elements, schemas.UIElement{
			UID:         uid,
			Bounds:      bounds,
			Text:        elem.SelectAttrValue("text", ""),
			ResourceID:  elem.SelectAttrValue("resource-id", ""),
			ContentDesc: elem.SelectAttrValue("content-desc", ""),
			Class:       elem.SelectAttrValue("class", ""),
			Clickable:   clickable,
			Focusable:   focusable,
			RoleHint:    roleHint,
		})
	})

	return elements, nil
}

func walkElements(elem *etree.Element, visit func(*etree.Element)) {
	visit(elem)
	for _, child := range elem.ChildElements() {
		walkElements(child, visit)
	}
}
