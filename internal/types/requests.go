package types

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// ScrapeRequest triggers a scrape run over the active URL set.
type ScrapeRequest struct {
	CallerType string `json:"caller_type" validate:"required,max=64"`
	URLID      *int64 `json:"url_id,omitempty" validate:"omitempty,gt=0"`
}

// NotifyRequest triggers a sync of unsent price logs to the catalog.
type NotifyRequest struct {
	CallerType string     `json:"caller_type" validate:"required,max=64"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
}

// RegisterURLsRequest adds or removes URLs from the tracked set.
type RegisterURLsRequest struct {
	URLs []string `json:"urls" validate:"required,min=1,dive,required,url"`
}

// SetParameterRequest replaces the adapter override of one URL.
type SetParameterRequest struct {
	Sitename string         `json:"sitename" validate:"required,max=64"`
	Options  map[string]any `json:"options,omitempty"`
}

// Validate validates the ScrapeRequest using the validator.
func (r *ScrapeRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the NotifyRequest using the validator.
func (r *NotifyRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return &WindowError{Start: *r.Start, End: *r.End}
	}
	return nil
}

// Validate validates the RegisterURLsRequest using the validator.
func (r *RegisterURLsRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the SetParameterRequest using the validator.
func (r *SetParameterRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// WindowError reports an end time earlier than the start time.
type WindowError struct {
	Start time.Time
	End   time.Time
}

func (e *WindowError) Error() string {
	return "invalid window: end " + e.End.Format(time.RFC3339) + " is before start " + e.Start.Format(time.RFC3339)
}
