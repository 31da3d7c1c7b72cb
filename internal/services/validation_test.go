package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type connectRequestFixture struct {
	APIKey    string `json:"apiKey" validate:"required,min=16"`
	AccountID string `json:"accountId" validate:"required"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid request", func(t *testing.T) {
		valid := connectRequestFixture{
			APIKey:    "sk_live_0123456789abcdef",
			AccountID: "acct_1",
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("missing and undersized fields", func(t *testing.T) {
		invalid := connectRequestFixture{
			APIKey: "sk_short", // below min=16
			// AccountID missing
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 2)
	})

	t.Run("tag carried per field", func(t *testing.T) {
		invalid := connectRequestFixture{
			APIKey:    "short",
			AccountID: "acct_1",
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "APIKey", validationErrors[0].Field())
		assert.Equal(t, "min", validationErrors[0].Tag())
	})
}

func TestDecodeJSONBody(t *testing.T) {
	t.Run("decodes a single object", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/connection/manual-key",
			strings.NewReader(`{"apiKey":"sk_live_0123456789abcdef","accountId":"acct_1"}`))
		w := httptest.NewRecorder()

		var dst connectRequestFixture
		err := DecodeJSONBody(w, r, &dst)
		assert.NoError(t, err)
		assert.Equal(t, "sk_live_0123456789abcdef", dst.APIKey)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/connection/manual-key",
			strings.NewReader(`{"apiKey":"sk_live_0123456789abcdef","extra":true}`))
		w := httptest.NewRecorder()

		var dst connectRequestFixture
		err := DecodeJSONBody(w, r, &dst)
		assert.Error(t, err)
	})

	t.Run("rejects trailing content", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/connection/manual-key",
			strings.NewReader(`{"apiKey":"sk_live_0123456789abcdef"}{"apiKey":"again"}`))
		w := httptest.NewRecorder()

		var dst connectRequestFixture
		err := DecodeJSONBody(w, r, &dst)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "single JSON object")
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/connection/manual-key",
			strings.NewReader(`{"apiKey":`))
		w := httptest.NewRecorder()

		var dst connectRequestFixture
		err := DecodeJSONBody(w, r, &dst)
		assert.Error(t, err)
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Sync failed", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Sync failed", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		invalid := connectRequestFixture{APIKey: "short"}

		validationErr := vh.ValidateStruct(&invalid)
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "APIKey")
		assert.Contains(t, response.Details, "AccountID")
	})
}
