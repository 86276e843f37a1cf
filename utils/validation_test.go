package utils

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402guard/types"
)

func TestValidateTransactionHash(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{"valid lower", "0x" + strings.Repeat("ab", 32), false},
		{"valid mixed case", "0x" + strings.Repeat("aB", 32), false},
		{"empty", "", true},
		{"missing prefix", strings.Repeat("ab", 33), true},
		{"short", "0x" + strings.Repeat("ab", 31), true},
		{"not hex", "0x" + strings.Repeat("zz", 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransactionHash(tt.hash)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsKind(err, types.KindValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"))
	assert.NoError(t, ValidateAddress("0x70997970c51812dc3a010c7d01b50e0d17dc79c8"))

	for _, bad := range []string{"", "f39Fd6e51aad88F6F4ce6aB8827279cffFb92266", "0x123", "0xg39Fd6e51aad88F6F4ce6aB8827279cffFb92266"} {
		assert.Error(t, ValidateAddress(bad), "address %q", bad)
	}
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"))
	assert.False(t, SameAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"))
	assert.False(t, SameAddress("nope", "nope"))
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", NormalizeAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"))
}

func TestValidateAmount(t *testing.T) {
	d, err := ValidateAmount("123456789012345678901234567890.000001")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890.000001", d.String())

	_, err = ValidateAmount("")
	assert.Error(t, err)
	_, err = ValidateAmount("-1")
	assert.Error(t, err)
	_, err = ValidateAmount("1e")
	assert.Error(t, err)
}

func TestValidateAmountPrecision(t *testing.T) {
	assert.NoError(t, ValidateAmountPrecision(decimal.RequireFromString("1.25"), 6))
	assert.NoError(t, ValidateAmountPrecision(decimal.RequireFromString("1.50"), 1))
	assert.Error(t, ValidateAmountPrecision(decimal.RequireFromString("1.0000001"), 6))
	assert.Error(t, ValidateAmountPrecision(decimal.RequireFromString("1"), -1))
}

func TestValidateNetwork(t *testing.T) {
	id, err := ValidateNetwork("base-sepolia", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(84532), id)

	_, err = ValidateNetwork("base-sepolia", 1)
	assert.Error(t, err)

	_, err = ValidateNetwork("solana-mainnet", 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedNetwork, types.CodeOf(err))
}

func TestValidateResourceAndCurrency(t *testing.T) {
	assert.NoError(t, ValidateResource("/invoice/1"))
	assert.NoError(t, ValidateResource("https://api.example.com/report"))
	assert.Error(t, ValidateResource(""))
	assert.Error(t, ValidateResource("invoice"))

	assert.NoError(t, ValidateCurrency("USDC"))
	assert.Error(t, ValidateCurrency("usdc"))
}

func TestGenerateNonceValue(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		v, err := GenerateNonceValue()
		require.NoError(t, err)
		require.NoError(t, ValidateNonceValue(v))
		_, dup := seen[v]
		require.False(t, dup)
		seen[v] = struct{}{}
	}
}

func TestGenerateNonceValueShortRead(t *testing.T) {
	orig := RandomReader
	RandomReader = bytes.NewReader([]byte{1, 2, 3})
	defer func() { RandomReader = orig }()

	_, err := GenerateNonceValue()
	assert.Error(t, err)
}

func TestValidateConfigValue(t *testing.T) {
	assert.NoError(t, ValidateConfigValue(types.ConfigKeyRateLimit, []byte(`{"windowMs":900000,"maxRequests":100,"skipSuccessful":false,"skipFailed":false}`)))
	assert.Error(t, ValidateConfigValue(types.ConfigKeyRateLimit, []byte(`{"windowMs":0,"maxRequests":100}`)))
	assert.Error(t, ValidateConfigValue(types.ConfigKeyRateLimit, []byte(`{"windowMs":1,"maxRequests":1,"window":5}`)))
	assert.NoError(t, ValidateConfigValue(types.ConfigKeyRetention, []byte(`{"payments":1,"auditLogs":2,"rateLimits":3,"nonces":4}`)))
	assert.NoError(t, ValidateConfigValue("feature.flags", []byte(`{"beta":true}`)))
	assert.Error(t, ValidateConfigValue("feature.flags", []byte(`{beta}`)))
}
