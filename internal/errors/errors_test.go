package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypeChecksThroughWrapping(t *testing.T) {
	base := NewNotFoundError("故事不存在", nil)
	wrapped := fmt.Errorf("load: %w", base)

	if !IsNotFoundError(wrapped) {
		t.Fatal("fmt wrapping should keep the type")
	}
	if IsValidationError(wrapped) || IsExternalError(wrapped) {
		t.Fatal("unexpected type match")
	}
	if base.Code != "NOT_FOUND" {
		t.Fatalf("code = %s", base.Code)
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, "x", ErrorTypeError) != nil {
		t.Fatal("nil stays nil")
	}

	cause := errors.New("disk full")
	err := WrapError(cause, "保存章节", ErrorTypeError)
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable")
	}

	conflict := NewConflictError("写作中", nil)
	rewrapped := WrapError(conflict, "清空历史", ErrorTypeError)
	if !IsConflictError(rewrapped) {
		t.Fatal("existing AppError type must be preserved")
	}
	if rewrapped.Error() == conflict.Error() {
		t.Fatal("message should be extended")
	}
}
