package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type holidayQuery struct {
	Day  string `form:"day" validate:"required,isodate"`
	Type string `form:"type" validate:"omitempty,daytype"`
	Kind string `json:"kind" validate:"omitempty,kind"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	RegisterValidations(v)
	return v
}

func TestRegisterValidations(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name  string
		query holidayQuery
		valid bool
	}{
		{"valid", holidayQuery{Day: "2024-03-18", Type: "holiday", Kind: "system_dates"}, true},
		{"missing day", holidayQuery{}, false},
		{"bad date", holidayQuery{Day: "18/03/2024"}, false},
		{"impossible date", holidayQuery{Day: "2024-02-30"}, false},
		{"unknown day type", holidayQuery{Day: "2024-03-18", Type: "MARTES"}, false},
		{"unknown kind", holidayQuery{Day: "2024-03-18", Kind: "users"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.query)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	err := newValidator().Struct(holidayQuery{Day: "tomorrow", Type: "MARTES"})
	require.Error(t, err)

	resp := FormatValidationErrors(err, "req-1")
	require.NotNil(t, resp.Error)
	assert.Equal(t, "req-1", resp.Error.RequestID)
	require.Len(t, resp.Error.Details, 2)
	assert.Equal(t, "day", resp.Error.Details[0].Field)
	assert.Equal(t, "Must be a date in YYYY-MM-DD format", resp.Error.Details[0].Message)
	assert.Equal(t, "type", resp.Error.Details[1].Field)
}

func TestHandleValidationError(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		HandleValidationError(c, newValidator().Struct(holidayQuery{}))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_VALIDATION")
	assert.Contains(t, w.Body.String(), "This field is required")
}
