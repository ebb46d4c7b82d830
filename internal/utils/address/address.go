package address

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Parse validates an EVM address string in either case.
func Parse(addressStr string) (common.Address, error) {
	if !common.IsHexAddress(addressStr) {
		return common.Address{}, fmt.Errorf("invalid address: %s", addressStr)
	}
	return common.HexToAddress(addressStr), nil
}

// Checksummed returns the EIP-55 form used as a storage key.
func Checksummed(addressStr string) (string, error) {
	addr, err := Parse(addressStr)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}
