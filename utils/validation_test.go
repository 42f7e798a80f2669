package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookRequest struct {
	Name    string   `validate:"required,max=16"`
	URL     string   `validate:"required,url"`
	Events  []string `validate:"required,min=1"`
	Retries int      `validate:"gte=0,lte=10"`
}

func TestValidateStruct(t *testing.T) {
	valid := hookRequest{Name: "deploys", URL: "https://hooks.example.com", Events: []string{"push"}, Retries: 3}

	t.Run("valid struct", func(t *testing.T) {
		s := valid
		assert.NoError(t, ValidateStruct(&s))
	})

	tests := []struct {
		name   string
		mutate func(*hookRequest)
		field  string
		msg    string
	}{
		{name: "missing name", mutate: func(r *hookRequest) { r.Name = "" }, field: "Name", msg: "Name is required"},
		{name: "long name", mutate: func(r *hookRequest) { r.Name = "a-very-long-webhook-name" }, field: "Name", msg: "Name must be at most 16"},
		{name: "bad url", mutate: func(r *hookRequest) { r.URL = "not a url" }, field: "URL", msg: "URL must be a valid URL"},
		{name: "no events", mutate: func(r *hookRequest) { r.Events = []string{} }, field: "Events", msg: "Events must be at least 1"},
		{name: "retries out of range", mutate: func(r *hookRequest) { r.Retries = 11 }, field: "Retries", msg: "Retries must be less than or equal to 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)

			err := ValidateStruct(&s)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, tt.msg, GetValidationFields(err)[tt.field])
		})
	}
}

func TestParseUUID(t *testing.T) {
	id := uuid.New()

	parsed, err := ParseUUID(id.String(), "token_id")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseUUID("not-a-uuid", "token_id")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, GetValidationFields(err), "token_id")
}

func TestValidateRequired(t *testing.T) {
	assert.NoError(t, ValidateRequired("web", "app"))

	err := ValidateRequired("", "app")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app is required")
}

func TestValidateOneOf(t *testing.T) {
	allowed := []string{"up", "down"}

	assert.NoError(t, ValidateOneOf("up", "direction", allowed))

	err := ValidateOneOf("sideways", "direction", allowed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direction")
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "Test validation error",
		Fields:  map[string]string{"field1": "error1"},
	}

	assert.Equal(t, "Test validation error", err.Error())
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{Message: "test"}))
	assert.False(t, IsValidationError(assert.AnError))
	assert.Nil(t, GetValidationFields(assert.AnError))
}
