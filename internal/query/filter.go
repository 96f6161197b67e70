package query

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nbd-wtf/go-nostr"

	"nostr-video/internal/nips"
)

// SchemaVersion is the version of the Filter schema produced by NewFilter.
const SchemaVersion = 1

// ErrInvalidFilter wraps every NewFilter validation failure.
var ErrInvalidFilter = errors.New("invalid filter")

// SortDirective asks a relay with advanced search support to order results
// server-side, e.g. "sort:hot". Sent as the NIP-50 search string.
type SortDirective string

var sortDirectivePattern = regexp.MustCompile(`^sort:[a-z]+$`)

// FilterSpec is the closed set of fields a Filter may carry. Zero Since,
// Until and Limit mean "unset".
type FilterSpec struct {
	IDs     []string            `validate:"max=500,dive,hex64"`
	Authors []string            `validate:"max=1000,dive,hex64"`
	Kinds   []int               `validate:"max=50,dive,min=0,max=65535"`
	Tags    map[string][]string `validate:"max=10,dive,keys,tagname,endkeys,min=1"`
	Since   int64               `validate:"min=0"`
	Until   int64               `validate:"min=0"`
	Limit   int                 `validate:"min=0,max=5000"`
	Sort    SortDirective       `validate:"omitempty,sortdirective"`
}

// Filter is a validated, immutable query filter. Build one with NewFilter.
type Filter struct {
	version int
	spec    FilterSpec
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hex64", func(fl validator.FieldLevel) bool {
		return nips.IsHex64(fl.Field().String())
	})
	_ = v.RegisterValidation("tagname", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) == 1 && ((s[0] >= 'a' && s[0] <= 'z') || (s[0] >= 'A' && s[0] <= 'Z'))
	})
	_ = v.RegisterValidation("sortdirective", func(fl validator.FieldLevel) bool {
		return sortDirectivePattern.MatchString(fl.Field().String())
	})
	return v
}

// NewFilter validates spec and returns an immutable Filter.
func NewFilter(spec FilterSpec) (Filter, error) {
	if err := validate.Struct(spec); err != nil {
		return Filter{}, formatValidationError(err)
	}
	if spec.Since > 0 && spec.Until > 0 && spec.Since > spec.Until {
		return Filter{}, fmt.Errorf("%w: since %d is after until %d", ErrInvalidFilter, spec.Since, spec.Until)
	}
	return Filter{version: SchemaVersion, spec: cloneSpec(spec)}, nil
}

// MustFilter is NewFilter for statically known specs; it panics on invalid input.
func MustFilter(spec FilterSpec) Filter {
	f, err := NewFilter(spec)
	if err != nil {
		panic(err)
	}
	return f
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("%w: %s", ErrInvalidFilter, strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())

	switch e.Tag() {
	case "hex64":
		return fmt.Sprintf("%s must be 64 lowercase hex characters", field)
	case "tagname":
		return fmt.Sprintf("%s keys must be a single letter", field)
	case "sortdirective":
		return fmt.Sprintf("%s must look like sort:<mode>", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func cloneSpec(s FilterSpec) FilterSpec {
	out := s
	out.IDs = slices.Clone(s.IDs)
	out.Authors = slices.Clone(s.Authors)
	out.Kinds = slices.Clone(s.Kinds)
	if s.Tags != nil {
		out.Tags = make(map[string][]string, len(s.Tags))
		for k, v := range s.Tags {
			out.Tags[k] = slices.Clone(v)
		}
	}
	return out
}

// Version returns the schema version the filter was built with.
func (f Filter) Version() int { return f.version }

// Spec returns a copy of the filter's fields.
func (f Filter) Spec() FilterSpec { return cloneSpec(f.spec) }

// Sort returns the sort directive, empty when the relay's natural order is wanted.
func (f Filter) Sort() SortDirective { return f.spec.Sort }

// WithSort returns a copy carrying directive d.
func (f Filter) WithSort(d SortDirective) (Filter, error) {
	spec := f.Spec()
	spec.Sort = d
	return NewFilter(spec)
}

// WithoutSort returns a copy with no sort directive.
func (f Filter) WithoutSort() Filter {
	spec := f.Spec()
	spec.Sort = ""
	return Filter{version: f.version, spec: spec}
}

// ToNostr converts to the wire filter; the sort directive becomes the search string.
func (f Filter) ToNostr() nostr.Filter {
	nf := nostr.Filter{
		IDs:     slices.Clone(f.spec.IDs),
		Kinds:   slices.Clone(f.spec.Kinds),
		Authors: slices.Clone(f.spec.Authors),
		Limit:   f.spec.Limit,
		Search:  string(f.spec.Sort),
	}
	if len(f.spec.Tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.spec.Tags))
		for k, v := range f.spec.Tags {
			nf.Tags[k] = slices.Clone(v)
		}
	}
	if f.spec.Since > 0 {
		since := nostr.Timestamp(f.spec.Since)
		nf.Since = &since
	}
	if f.spec.Until > 0 {
		until := nostr.Timestamp(f.spec.Until)
		nf.Until = &until
	}
	return nf
}

// Matches reports whether evt satisfies every constraint except the sort
// directive and limit, which only a relay can evaluate.
func (f Filter) Matches(evt *nostr.Event) bool {
	if evt == nil {
		return false
	}
	if len(f.spec.IDs) > 0 && !slices.Contains(f.spec.IDs, evt.ID) {
		return false
	}
	if len(f.spec.Kinds) > 0 && !slices.Contains(f.spec.Kinds, evt.Kind) {
		return false
	}
	if len(f.spec.Authors) > 0 && !slices.Contains(f.spec.Authors, evt.PubKey) {
		return false
	}
	if f.spec.Since > 0 && int64(evt.CreatedAt) < f.spec.Since {
		return false
	}
	if f.spec.Until > 0 && int64(evt.CreatedAt) > f.spec.Until {
		return false
	}
	for name, values := range f.spec.Tags {
		if !hasTagValue(evt.Tags, name, values) {
			return false
		}
	}
	return true
}

func hasTagValue(tags nostr.Tags, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && slices.Contains(values, tag[1]) {
			return true
		}
	}
	return false
}

func (f Filter) String() string {
	b, err := f.ToNostr().MarshalJSON()
	if err != nil {
		return fmt.Sprintf("filter(v%d)", f.version)
	}
	return string(b)
}
