package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402guard/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct runs struct-tag validation and maps failures to a ValidationError.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return types.Validationf("validation failed: %v", err)
	}
	return nil
}

// DecodeConfigValue decodes a JSON config value into out and validates it.
// Unknown fields are rejected so a typo in a key never silently falls back to zero.
func DecodeConfigValue(key string, raw []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &types.X402Error{
			Kind:    types.KindValidation,
			Code:    types.ErrCodeConfigInvalid,
			Message: fmt.Sprintf("failed to parse config %s", key),
			Err:     err,
		}
	}

	if err := validate.Struct(out); err != nil {
		return &types.X402Error{
			Kind:    types.KindValidation,
			Code:    types.ErrCodeConfigInvalid,
			Message: fmt.Sprintf("config %s failed validation", key),
			Err:     err,
		}
	}

	return nil
}

// ValidateConfigValue checks raw against the typed shape of a known key.
// Keys without a typed shape only need to be valid JSON.
func ValidateConfigValue(key string, raw []byte) error {
	var target interface{}
	switch key {
	case types.ConfigKeyRateLimit:
		target = &types.RateLimitConfig{}
	case types.ConfigKeyRetention:
		target = &types.RetentionPolicy{}
	case types.ConfigKeyNonce:
		target = &types.NonceConfig{}
	case types.ConfigKeyPaymentPolicy:
		target = &types.PaymentPolicy{}
	default:
		if !json.Valid(raw) {
			return &types.X402Error{
				Kind:    types.KindValidation,
				Code:    types.ErrCodeConfigInvalid,
				Message: fmt.Sprintf("config %s is not valid JSON", key),
			}
		}
		return nil
	}
	return DecodeConfigValue(key, raw, target)
}

// CompactJSON removes whitespace from JSON
func CompactJSON(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, data); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
