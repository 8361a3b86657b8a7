package settlement

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrNotUint256 rejects values that do not fit an unsigned 256-bit word.
var ErrNotUint256 = errors.New("value is not a uint256")

// Encode renders v as the 32-byte big-endian word settlement contracts consume.
func Encode(v *big.Int) (string, error) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
		return "", ErrNotUint256
	}
	return hexutil.Encode(common.LeftPadBytes(v.Bytes(), 32)), nil
}
