// Package validator provides boundary validation for stem delivery
// locations (URLs and filesystem paths) sent by the worker: they are
// untrusted input and get checked before the control plane acts on them.
package validator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator validates worker-supplied stem locations at system boundaries.
type Validator struct {
	validate *validator.Validate
}

// New constructs a Validator with the control plane's boundary rules
// registered.
func New() *Validator {
	v := validator.New()
	if err := v.RegisterValidation("safe_url", validateSafeURL); err != nil {
		panic("failed to register safe_url validation: " + err.Error())
	}
	if err := v.RegisterValidation("safe_fspath", validateSafeFSPath); err != nil {
		panic("failed to register safe_fspath validation: " + err.Error())
	}
	return &Validator{validate: v}
}

// SafeURL rejects anything that isn't a well-formed http(s) URL, guarding
// the stem-download path against a
// worker callback smuggling a file:// or javascript: URL.
func (v *Validator) SafeURL(raw string) error {
	if err := v.validate.Var(raw, "required,safe_url"); err != nil {
		return fmt.Errorf("%s: not a safe url", raw)
	}
	return nil
}

// SafeFSPath rejects empty paths, NUL bytes, and "../" traversal segments,
// guarding the stem "path" delivery mode against a worker callback
// escaping its expected output location. Absolute paths are allowed — the
// mode is only meaningful when the worker and control plane share a
// filesystem.
func (v *Validator) SafeFSPath(raw string) error {
	if err := v.validate.Var(raw, "required,safe_fspath"); err != nil {
		return fmt.Errorf("%s: unsafe path", raw)
	}
	return nil
}

func validateSafeURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	dangerous := []string{"<", ">", "\"", "'", "javascript:", "vbscript:", "\x00"}
	for _, d := range dangerous {
		if strings.Contains(lower, d) {
			return false
		}
	}
	return true
}

func validateSafeFSPath(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" || strings.Contains(raw, "\x00") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(raw), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
