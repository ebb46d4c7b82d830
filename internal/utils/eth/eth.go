package eth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrNilTx = errors.New("nil tx")

// TxToRawHex encodes tx in its typed envelope form (EIP-2718), signed or not, as 0x-hex.
// The relay stores unsigned transactions this way between the build and send steps.
func TxToRawHex(tx *types.Transaction) (string, error) {
	if tx == nil {
		return "", ErrNilTx
	}
	b, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode tx: %w", err)
	}
	return hexutil.Encode(b), nil
}

func RawHexToTx(rawHex string) (*types.Transaction, error) {
	b, err := hexutil.Decode(rawHex)
	if err != nil {
		return nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	return tx, nil
}
