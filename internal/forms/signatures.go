package forms

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// UnknownFormType is reported when no signature matches.
const UnknownFormType = "Unknown Form"

// Signature labels a form when Match accepts it.
type Signature struct {
	Label string
	Match func(form *goquery.Selection) bool
}

func ClassContains(fragment, label string) Signature {
	return Signature{Label: label, Match: func(form *goquery.Selection) bool {
		class, _ := form.Attr("class")
		return strings.Contains(class, fragment)
	}}
}

func IDPrefix(prefix, label string) Signature {
	return Signature{Label: label, Match: func(form *goquery.Selection) bool {
		id, _ := form.Attr("id")
		return strings.HasPrefix(id, prefix)
	}}
}

func IDEquals(want, label string) Signature {
	return Signature{Label: label, Match: func(form *goquery.Selection) bool {
		id, _ := form.Attr("id")
		return id == want
	}}
}

// DefaultSignatures is evaluated in order; the first match wins.
var DefaultSignatures = []Signature{
	ClassContains("wpcf7-form", "Contact Form 7"),
	IDPrefix("gform_", "Gravity Forms"),
	ClassContains("wpforms-form", "WPForms"),
	ClassContains("nf-form", "Ninja Forms"),
	ClassContains("elementor-form", "Elementor Form"),
	ClassContains("frm-show-form", "Formidable Forms"),
	ClassContains("woocommerce-checkout", "WooCommerce Checkout"),
	IDEquals("commentform", "Comment Form"),
	ClassContains("search-form", "Search Form"),
}

// Classify returns the label of the first matching signature.
func Classify(signatures []Signature, form *goquery.Selection) string {
	for _, sig := range signatures {
		if sig.Match(form) {
			return sig.Label
		}
	}
	return UnknownFormType
}

// FormID prefers the id attribute, then name, then the position of the form
// in the document.
func FormID(form *goquery.Selection) string {
	if id, ok := form.Attr("id"); ok && id != "" {
		return id
	}
	if name, ok := form.Attr("name"); ok && name != "" {
		return name
	}
	return "form-" + strconv.Itoa(form.Parents().Last().Find("form").IndexOfSelection(form))
}

// FieldKey is the stable identifier of a field: id, then name, then tag.
func FieldKey(field *goquery.Selection) string {
	if id, ok := field.Attr("id"); ok && id != "" {
		return id
	}
	if name, ok := field.Attr("name"); ok && name != "" {
		return name
	}
	return goquery.NodeName(field)
}
