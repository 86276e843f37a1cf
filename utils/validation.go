package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402guard/types"
)

// NonceLength is the length of an issued nonce value.
const NonceLength = 32

var (
	nonceRe    = regexp.MustCompile(`^[0-9a-f]{32}$`)
	currencyRe = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, types.Validationf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, types.Validationf("invalid amount format: %v", err)
	}

	if dec.IsNegative() {
		return decimal.Zero, types.Validationf("amount cannot be negative")
	}

	return dec, nil
}

// ValidateAmountPrecision rejects amounts with more fractional digits than decimals allows.
func ValidateAmountPrecision(amount decimal.Decimal, decimals int) error {
	if decimals < 0 || decimals > 36 {
		return types.Validationf("decimals must be between 0 and 36")
	}
	if !amount.Equal(amount.Truncate(int32(decimals))) {
		return types.Validationf("amount has more than %d fractional digits", decimals)
	}
	return nil
}

// ValidateTransactionHash validates an EVM transaction hash (0x + 64 hex)
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return types.Validationf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return types.Validationf("transaction hash must start with 0x")
	}
	if len(hash) != 2+2*common.HashLength {
		return types.Validationf("transaction hash must be %d characters long", 2+2*common.HashLength)
	}
	if _, err := hexutil.Decode(hash); err != nil {
		return types.Validationf("transaction hash must be valid hex")
	}
	return nil
}

// ValidateAddress validates an EVM address (0x + 40 hex)
func ValidateAddress(address string) error {
	if address == "" {
		return types.Validationf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") || len(address) != 2+2*common.AddressLength {
		return types.Validationf("address must be 0x followed by %d hex characters", 2*common.AddressLength)
	}
	if !common.IsHexAddress(address) {
		return types.Validationf("address must be valid hex")
	}
	return nil
}

// NormalizeAddress returns the EIP-55 checksummed form of address, or "" if invalid
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// SameAddress compares two addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// NormalizeHash lowercases a transaction or block hash.
func NormalizeHash(hash string) string {
	return strings.ToLower(hash)
}

// ValidateNonceValue checks the shape of a nonce value before touching storage.
func ValidateNonceValue(value string) error {
	if !nonceRe.MatchString(value) {
		return types.Validationf("nonce must be %d lowercase hex characters", NonceLength)
	}
	return nil
}

// ValidateResource checks a protected-resource path.
func ValidateResource(resource string) error {
	if resource == "" {
		return types.Validationf("resource cannot be empty")
	}
	if len(resource) > 512 {
		return types.Validationf("resource exceeds 512 characters")
	}
	if !strings.HasPrefix(resource, "/") && !strings.Contains(resource, "://") {
		return types.Validationf("resource must be a path or absolute URL")
	}
	return nil
}

// ValidateCurrency checks an upper-case currency code such as USDC.
func ValidateCurrency(currency string) error {
	if !currencyRe.MatchString(currency) {
		return types.Validationf("invalid currency code %q", currency)
	}
	return nil
}

// ValidateNetwork checks a network name and, when chainID is non-zero, that it matches.
func ValidateNetwork(network string, chainID int64) (int64, error) {
	n := types.Network(network)
	expected, ok := n.ChainID()
	if !ok {
		return 0, &types.X402Error{
			Kind:    types.KindValidation,
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	if chainID != 0 && chainID != expected {
		return 0, types.Validationf("chain id %d does not match network %s (%d)", chainID, network, expected)
	}
	return expected, nil
}
