package validator

import (
	"strings"
	"testing"
)

type claimRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type unlockRequest struct {
	PIN string `json:"pin" validate:"required,numeric,len=6"`
}

func TestValidateStructSuccess(t *testing.T) {
	if err := ValidateStruct(claimRequest{Email: "a@x.com"}); err != nil {
		t.Fatalf("expected valid struct, got %v", err)
	}
	if err := ValidateStruct(unlockRequest{PIN: "004217"}); err != nil {
		t.Fatalf("expected valid pin, got %v", err)
	}
}

func TestValidateStructReportsJSONFieldNames(t *testing.T) {
	err := ValidateStruct(claimRequest{Email: "not-an-email"})
	if err == nil {
		t.Fatal("expected validation failure")
	}

	failures, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(failures) != 1 || failures[0].Field != "email" {
		t.Fatalf("expected failure on json field 'email', got %+v", failures)
	}
}

func TestValidateStructRejectsNonNumericPIN(t *testing.T) {
	err := ValidateStruct(unlockRequest{PIN: "12a456"})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "pin") {
		t.Fatalf("expected error to mention pin field: %v", err)
	}
}
