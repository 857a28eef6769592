package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Timeframes are the position durations, in hours, the master contract
// resolves. A position's timeframe index is its offset in this slice.
var Timeframes = []int{1, 2, 4, 6, 8, 24}

// TimeframeIndex returns the index of hours in Timeframes.
func TimeframeIndex(hours int) (int, error) {
	for i, h := range Timeframes {
		if h == hours {
			return i, nil
		}
	}
	return -1, fmt.Errorf("market: unsupported timeframe %dh", hours)
}

// OracleKey is keccak256(abi.encodePacked(uint256 category, string city)).
func OracleKey(c Category, city string) common.Hash {
	return crypto.Keccak256Hash(packUint256(uint64(c)), []byte(city))
}

// PositionKey is keccak256(abi.encodePacked(uint256 category, string city,
// uint256 timeframeIndex)).
func PositionKey(c Category, city string, timeframeIndex int) common.Hash {
	return crypto.Keccak256Hash(
		packUint256(uint64(c)),
		[]byte(city),
		packUint256(uint64(timeframeIndex)),
	)
}

// OracleKey of the market.
func (m Market) OracleKey() common.Hash {
	return OracleKey(m.Category, m.City)
}

// packUint256 is the 32-byte big-endian packed encoding of v.
func packUint256(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}
