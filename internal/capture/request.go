package capture

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// LocatorKind selects how a Portal resolves a UI element.
type LocatorKind int

const (
	// ByCSS resolves the element with document.querySelector.
	ByCSS LocatorKind = iota
	// ByIDSuffix matches any element whose id ends with the value.
	ByIDSuffix
	// ByName matches the accessible name: trimmed text, aria-label or title.
	ByName
)

func (k LocatorKind) String() string {
	switch k {
	case ByCSS:
		return "css"
	case ByIDSuffix:
		return "id-suffix"
	case ByName:
		return "name"
	default:
		return fmt.Sprintf("locator(%d)", int(k))
	}
}

// Locator identifies one UI element for a Portal.
type Locator struct {
	Kind  LocatorKind
	Value string
}

func (l Locator) String() string {
	return l.Kind.String() + "=" + l.Value
}

// ExportRequest describes a single export attempt. It is immutable once built.
type ExportRequest struct {
	id         string
	triggerID  string
	form       string
	outputPath string
	label      string
	menu       string
}

// RequestOption customizes an ExportRequest at construction time.
type RequestOption func(*ExportRequest)

// WithLabel sets the accessible name used when the trigger id cannot be resolved.
func WithLabel(label string) RequestOption {
	return func(r *ExportRequest) { r.label = strings.TrimSpace(label) }
}

// WithMenu sets a selector that is activated (best effort) before the trigger,
// e.g. the dropdown that hosts the export link.
func WithMenu(selector string) RequestOption {
	return func(r *ExportRequest) { r.menu = strings.TrimSpace(selector) }
}

// NewExportRequest validates and builds an ExportRequest.
func NewExportRequest(triggerID, form, outputPath string, opts ...RequestOption) (ExportRequest, error) {
	r := ExportRequest{
		id:         uuid.NewString(),
		triggerID:  strings.TrimSpace(triggerID),
		form:       strings.TrimSpace(form),
		outputPath: strings.TrimSpace(outputPath),
	}
	for _, opt := range opts {
		opt(&r)
	}
	if r.triggerID == "" {
		return ExportRequest{}, fmt.Errorf("%w: trigger id is required", ErrInvalidRequest)
	}
	if r.outputPath == "" {
		return ExportRequest{}, fmt.Errorf("%w: output path is required", ErrInvalidRequest)
	}
	return r, nil
}

func (r ExportRequest) ID() string         { return r.id }
func (r ExportRequest) TriggerID() string  { return r.triggerID }
func (r ExportRequest) Form() string       { return r.form }
func (r ExportRequest) OutputPath() string { return r.outputPath }
func (r ExportRequest) Label() string      { return r.label }
func (r ExportRequest) Menu() string       { return r.menu }
