// Package forms instruments form fields through delegated document-level
// handlers: focus/blur dwell time, changes, and repeated submit clicks.
package forms

import (
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/vincentbai/engagetrace/internal/models"
)

const (
	SubmitRageWindow    = 2 * time.Second
	SubmitRageThreshold = 3
)

// Emit receives every form event. The tracker resolves form_id and form_type
// when the event happens, not when the handler was attached.
type Emit func(eventType models.EventType, at time.Time, payload map[string]any)

type Tracker struct {
	signatures []Signature
	emit       Emit

	mu           sync.Mutex
	fieldTimers  map[string]time.Time
	submitClicks []time.Time
}

func NewTracker(signatures []Signature, emit Emit) *Tracker {
	if signatures == nil {
		signatures = DefaultSignatures
	}
	return &Tracker{
		signatures:  signatures,
		emit:        emit,
		fieldTimers: make(map[string]time.Time),
	}
}

// trackedField returns the enclosing form when target is an instrumented
// field. The form selection is empty for fields outside any form.
func trackedField(target *goquery.Selection) (*goquery.Selection, bool) {
	if target == nil || target.Length() == 0 {
		return nil, false
	}
	switch goquery.NodeName(target) {
	case "textarea", "select":
	case "input":
		inputType, _ := target.Attr("type")
		switch strings.ToLower(inputType) {
		case "hidden", "submit", "button", "reset", "image":
			return nil, false
		}
	default:
		return nil, false
	}
	return target.Closest("form"), true
}

// basePayload tags an event with the form resolved now. Without a form only
// form_type is set, to Unknown Form.
func (t *Tracker) basePayload(form, field *goquery.Selection) map[string]any {
	payload := map[string]any{"form_type": UnknownFormType}
	if form != nil && form.Length() > 0 {
		payload["form_id"] = FormID(form)
		payload["form_type"] = Classify(t.signatures, form)
	}
	if field != nil {
		payload["field"] = FieldKey(field)
		fieldType, ok := field.Attr("type")
		if !ok {
			fieldType = goquery.NodeName(field)
		}
		payload["field_type"] = fieldType
	}
	return payload
}

// Focus starts the dwell timer for a field.
func (t *Tracker) Focus(target *goquery.Selection, at time.Time) {
	form, ok := trackedField(target)
	if !ok {
		return
	}
	t.mu.Lock()
	t.fieldTimers[FieldKey(target)] = at
	t.mu.Unlock()

	t.emit(models.TypeFormFieldFocus, at, t.basePayload(form, target))
}

// Blur emits the dwell time since the matching focus. A blur without a
// recorded focus is ignored.
func (t *Tracker) Blur(target *goquery.Selection, at time.Time) {
	form, ok := trackedField(target)
	if !ok {
		return
	}
	key := FieldKey(target)

	t.mu.Lock()
	started, found := t.fieldTimers[key]
	delete(t.fieldTimers, key)
	t.mu.Unlock()
	if !found {
		return
	}

	payload := t.basePayload(form, target)
	payload["dwell_ms"] = at.Sub(started).Milliseconds()
	t.emit(models.TypeFormFieldBlur, at, payload)
}

func (t *Tracker) Change(target *goquery.Selection, at time.Time) {
	form, ok := trackedField(target)
	if !ok {
		return
	}
	t.emit(models.TypeFormFieldChange, at, t.basePayload(form, target))
}

// submitControl resolves a click target, which may be an element nested in
// the control, to the submit control that receives the click.
func submitControl(target *goquery.Selection) (*goquery.Selection, bool) {
	if target == nil || target.Length() == 0 {
		return nil, false
	}
	control := target.Closest("button, input").First()
	if control.Length() == 0 {
		return nil, false
	}
	controlType, hasType := control.Attr("type")
	switch goquery.NodeName(control) {
	case "button":
		return control, !hasType || strings.EqualFold(controlType, "submit")
	case "input":
		return control, strings.EqualFold(controlType, "submit") || strings.EqualFold(controlType, "image")
	}
	return nil, false
}

// Click counts clicks on submit controls across the whole document.
func (t *Tracker) Click(target *goquery.Selection, at time.Time) {
	control, ok := submitControl(target)
	if !ok {
		return
	}

	t.mu.Lock()
	window := t.submitClicks[:0:0]
	for _, ts := range t.submitClicks {
		if at.Sub(ts) < SubmitRageWindow {
			window = append(window, ts)
		}
	}
	window = append(window, at)
	rage := len(window) >= SubmitRageThreshold
	count := len(window)
	if rage {
		window = nil
	}
	t.submitClicks = window
	t.mu.Unlock()

	if !rage {
		return
	}
	payload := t.basePayload(control.Closest("form"), nil)
	payload["click_count"] = count
	t.emit(models.TypeFormRageClick, at, payload)
}

// Reset drops all pending dwell timers and the submit click window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fieldTimers = make(map[string]time.Time)
	t.submitClicks = nil
}

// PendingFields reports how many fields have an open focus record.
func (t *Tracker) PendingFields() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fieldTimers)
}
