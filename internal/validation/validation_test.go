package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/bcnelson/persistence-stack/internal/domain"
)

func TestValidateEntityName(t *testing.T) {
	tests := []struct {
		name    string
		entity  string
		wantErr bool
	}{
		{"valid simple entity", "Note", false},
		{"valid entity with numbers", "Note2", false},
		{"valid entity with underscore", "tag_link", false},
		{"empty", "", true},
		{"starts with number", "1Note", true},
		{"starts with underscore", "_Note", true},
		{"contains hyphen", "note-item", true},
		{"contains space", "my note", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityName(tt.entity)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntityName(%q) error = %v, wantErr %v", tt.entity, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAttributeName(t *testing.T) {
	tests := []struct {
		name    string
		attr    string
		wantErr bool
	}{
		{"valid", "title", false},
		{"valid camel case", "createdAt", false},
		{"reserved id", "id", true},
		{"contains dot", "a.b", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAttributeName(tt.attr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAttributeName(%q) error = %v, wantErr %v", tt.attr, err, tt.wantErr)
			}
		})
	}
}

func TestValidateValue(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		value   any
		wantErr bool
	}{
		{"nil always accepted", TypeInteger, nil, false},
		{"string", TypeString, "hello", false},
		{"string rejects int", TypeString, 3, true},
		{"integer", TypeInteger, 42, false},
		{"integer from json float", TypeInteger, float64(42), false},
		{"integer rejects fraction", TypeInteger, 4.5, true},
		{"double", TypeDouble, 4.5, false},
		{"double accepts int", TypeDouble, 4, false},
		{"boolean", TypeBoolean, true, false},
		{"boolean rejects string", TypeBoolean, "true", true},
		{"date time", TypeDate, time.Now(), false},
		{"date rfc3339", TypeDate, "2024-01-02T03:04:05Z", false},
		{"date rejects garbage", TypeDate, "yesterday", true},
		{"json accepts anything", TypeJSON, map[string]any{"a": 1}, false},
		{"unknown type", "blob", "x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateValue(tt.typ, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateValue(%q, %v) error = %v, wantErr %v", tt.typ, tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	if errs.HasErrors() || errs.Err() != nil {
		t.Fatal("Expected empty collection to report no errors")
	}

	errs.Add("title", "", "required")
	errs.AddErr("count", "x", nil)
	errs.AddErr("count", "x", errors.New("not a number"))

	if len(errs) != 2 {
		t.Fatalf("Expected 2 errors, got %d", len(errs))
	}
	if got := errs.Error(); got != "title: required (and 1 more errors)" {
		t.Errorf("Unexpected message %q", got)
	}
	if !errors.Is(errs.Err(), domain.ErrInvalidInput) {
		t.Error("Expected validation errors to match domain.ErrInvalidInput")
	}
}
