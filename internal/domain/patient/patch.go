package patient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Optional tracks whether a JSON field was present and whether it was null,
// so a sparse update can tell "leave alone" from "clear" from "set to zero".
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: v} }

func Null[T any]() Optional[T] { return Optional[T]{Set: true, Null: true} }

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Null = true
		var zero T
		o.Value = zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(b, &o.Value)
}

// Ptr returns nil for null, otherwise a pointer to the value. Only meaningful
// when Set.
func (o Optional[T]) Ptr() *T {
	if o.Null {
		return nil
	}
	v := o.Value
	return &v
}

// Patch is a sparse update. Fields absent from the request stay untouched.
type Patch struct {
	Name           Optional[string]    `json:"name"`
	Email          Optional[string]    `json:"email"`
	Phone          Optional[string]    `json:"phone"`
	ExpoToken      Optional[string]    `json:"expo_token"`
	VideoURL       Optional[string]    `json:"video_url"`
	IsEligible     Optional[bool]      `json:"is_eligible"`
	EstimatedSteps Optional[int]       `json:"estimated_steps"`
	Notes          Optional[string]    `json:"notes"`
	AssessedAt     Optional[time.Time] `json:"assessed_at"`
}

// CompletesAssessment is true when the patch carries a concrete assessed_at,
// which is what triggers the outbound notification.
func (p Patch) CompletesAssessment() bool {
	return p.AssessedAt.Set && !p.AssessedAt.Null
}

func (p Patch) Empty() bool {
	return !p.Name.Set && !p.Email.Set && !p.Phone.Set && !p.ExpoToken.Set &&
		!p.VideoURL.Set && !p.IsEligible.Set && !p.EstimatedSteps.Set &&
		!p.Notes.Set && !p.AssessedAt.Set
}

func (p Patch) Validate() error {
	if p.Name.Set && (p.Name.Null || strings.TrimSpace(p.Name.Value) == "") {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if p.IsEligible.Set && p.IsEligible.Null {
		return &ValidationError{Field: "is_eligible", Reason: "cannot be null"}
	}
	if p.EstimatedSteps.Set && !p.EstimatedSteps.Null && p.EstimatedSteps.Value < 0 {
		return &ValidationError{Field: "estimated_steps", Reason: "must be zero or greater"}
	}
	for _, f := range []struct {
		name  string
		value Optional[string]
		max   int
	}{
		{"name", Optional[string]{Set: p.Name.Set, Null: p.Name.Null, Value: strings.TrimSpace(p.Name.Value)}, maxNameLen},
		{"email", p.Email, maxEmailLen},
		{"phone", p.Phone, maxPhoneLen},
		{"expo_token", p.ExpoToken, maxExpoTokenLen},
		{"video_url", p.VideoURL, maxVideoURLLen},
	} {
		if f.value.Set && !f.value.Null && utf8.RuneCountInString(f.value.Value) > f.max {
			return &ValidationError{Field: f.name, Reason: fmt.Sprintf("must be at most %d characters", f.max)}
		}
	}
	return nil
}

// Apply writes the patch onto p in place. Used by the in-memory repository;
// the Postgres repository translates the same presence bits into SQL.
func (p Patch) Apply(pt *Patient) {
	if p.Name.Set {
		pt.Name = strings.TrimSpace(p.Name.Value)
	}
	applyPtr(&pt.Email, p.Email)
	applyPtr(&pt.Phone, p.Phone)
	applyPtr(&pt.ExpoToken, p.ExpoToken)
	applyPtr(&pt.VideoURL, p.VideoURL)
	if p.IsEligible.Set {
		pt.IsEligible = p.IsEligible.Value
	}
	applyPtr(&pt.EstimatedSteps, p.EstimatedSteps)
	applyPtr(&pt.Notes, p.Notes)
	applyPtr(&pt.AssessedAt, p.AssessedAt)
}

func applyPtr[T any](dst **T, o Optional[T]) {
	if o.Set {
		*dst = o.Ptr()
	}
}
