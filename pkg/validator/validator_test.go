package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

type testOperation struct {
	Type        string `json:"type" validate:"required,oneof=insert delete replace format"`
	BaseVersion int64  `json:"base_version" validate:"gte=0"`
	Payload     string `json:"payload" validate:"required"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := testOperation{
		Type:        "insert",
		BaseVersion: 0,
		Payload:     `{"position":0,"text":"hello"}`,
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := testOperation{
		Type:        "merge",
		BaseVersion: -1,
		Payload:     "",
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d", len(vErrs))
	}

	foundType := false
	for _, v := range vErrs {
		if v.Field == "type" {
			foundType = true
		}
	}

	if !foundType {
		t.Fatal("expected type field to be present in validation errors")
	}
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("is_even", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%2 == 0
	})
	if err != nil {
		t.Fatalf("expected registration to succeed, got %v", err)
	}

	type payload struct {
		Value int `json:"value" validate:"is_even"`
	}

	if err := ValidateStruct(payload{Value: 2}); err != nil {
		t.Fatalf("expected even value to pass, got %v", err)
	}
	if err := ValidateStruct(payload{Value: 3}); err == nil {
		t.Fatal("expected odd value to fail")
	}
}
