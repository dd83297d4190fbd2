package campaign

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/pinforge/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// ErrValidationFailed wraps every schema rejection, so callers can branch on
// the class with errors.Is without inspecting individual issues.
var ErrValidationFailed = errors.New("campaign manifest validation failed")

// ValidationError is one schema violation, addressed by JSON pointer — for
// example "/distribution/strategy" when the strategy enum is misspelled.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors carries every violation from one validation pass, so a
// manifest author sees all problems at once instead of fixing them one
// reload at a time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "campaign manifest validation failed with %d errors:", len(e))
	for _, issue := range e {
		b.WriteString("\n  - ")
		b.WriteString(issue.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// compileValidator builds the validator from the embedded manifest schema
// once per process. Embedding keeps installed binaries self-contained.
var compileValidator = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.CampaignManifestSchema) == 0 {
		return nil, errors.New("embedded campaign manifest schema is empty")
	}
	v, err := schema.NewValidator(schemasassets.CampaignManifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile campaign manifest schema: %w", err)
	}
	return v, nil
})

// Validate checks an already-parsed manifest against the schema.
//
// Struct round-tripping drops fields the struct doesn't know about, so this
// cannot catch typoed keys; LoadFromBytes validates the raw input for that.
// It is the right call for manifests assembled in code.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize campaign manifest for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks raw manifest JSON against the schema, including the
// additionalProperties rejection of unknown keys. Warnings-severity
// diagnostics are dropped; only errors fail the manifest.
func ValidateRaw(jsonData []byte) error {
	v, err := compileValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
