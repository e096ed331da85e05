package browser

import (
	"fmt"

	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/stateflow/api/schemas"
)

// selectorFor maps an identification onto a chromedp selector and query option.
func selectorFor(id schemas.Identification) (string, chromedp.QueryOption) {
	switch id.How {
	case schemas.IdentifyByXPath:
		return id.Value, chromedp.BySearch
	case schemas.IdentifyByID:
		return id.Value, chromedp.ByID
	case schemas.IdentifyByName:
		return fmt.Sprintf(`[name=%q]`, id.Value), chromedp.ByQuery
	default:
		// Tag names are valid CSS selectors.
		return id.Value, chromedp.ByQuery
	}
}

// locatorExpr returns a JavaScript expression evaluating to the element id
// points to, or null.
func locatorExpr(id schemas.Identification) (string, error) {
	value, err := json.MarshalToString(id.Value)
	if err != nil {
		return "", fmt.Errorf("failed to quote identification: %w", err)
	}
	switch id.How {
	case schemas.IdentifyByXPath:
		return fmt.Sprintf(`document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`, value), nil
	case schemas.IdentifyByID:
		return fmt.Sprintf(`document.getElementById(%s)`, value), nil
	case schemas.IdentifyByName:
		return fmt.Sprintf(`document.getElementsByName(%s)[0] || null`, value), nil
	case schemas.IdentifyByTag:
		return fmt.Sprintf(`document.getElementsByTagName(%s)[0] || null`, value), nil
	case schemas.IdentifyByCSS:
		return fmt.Sprintf(`document.querySelector(%s)`, value), nil
	}
	return "", fmt.Errorf("unsupported identification kind %q", id.How)
}

// presenceScript evaluates to true when the element exists. Invalid
// selectors count as absent.
func presenceScript(id schemas.Identification) (string, error) {
	expr, err := locatorExpr(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => { try { return !!(%s); } catch (e) { return false; } })()`, expr), nil
}

// dispatchScript fires a synthetic event of the given kind on the element.
func dispatchScript(id schemas.Identification, kind schemas.EventKind) (string, error) {
	expr, err := locatorExpr(id)
	if err != nil {
		return "", err
	}
	ctor := "Event"
	if kind == schemas.EventMouseOver || kind == schemas.EventClick || kind == schemas.EventDblClick {
		ctor = "MouseEvent"
	}
	name, err := json.MarshalToString(string(kind))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => { const el = %s; if (!el) { return false; } el.dispatchEvent(new %s(%s, {bubbles: true, cancelable: true})); return true; })()`,
		expr, ctor, name), nil
}
