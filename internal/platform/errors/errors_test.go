package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", WorkflowNotFound("wf-1"))
	assert.Equal(t, ErrCodeWorkflowNotFound, CodeOf(err))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.True(t, HasCode(err, ErrCodeWorkflowNotFound))
	assert.False(t, HasCode(nil, ErrCodeWorkflowNotFound))
}

func TestIsMatchesOnCode(t *testing.T) {
	err := PermissionDenied("canApprove", "role cannot approve")
	assert.True(t, Is(err, New(ErrCodePermissionDenied, "")))
	assert.False(t, Is(err, New(ErrCodeValidation, "")))
}

func TestErrorMessageCarriesStructure(t *testing.T) {
	err := Validation("approval_rule", "priority", "priority must be between 0 and 100").
		WithEntity("approval_rule", "r-1")
	assert.Equal(t,
		"VALIDATION_ERROR: priority must be between 0 and 100 (approval_rule r-1) [field priority]",
		err.Error())
}
