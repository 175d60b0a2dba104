package chain

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReaderRPC answers balance and ERC-20 metadata calls.
type fakeReaderRPC struct {
	head    uint64
	native  *big.Int
	token   common.Address
	balance *big.Int
	abi     abi.ABI
}

func (f *fakeReaderRPC) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeReaderRPC) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeReaderRPC) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	data := call.Data
	switch {
	case len(data) >= 4 && method(f.abi, "balanceOf", data):
		return common.LeftPadBytes(f.balance.Bytes(), 32), nil
	case len(data) >= 4 && method(f.abi, "decimals", data):
		return common.LeftPadBytes([]byte{6}, 32), nil
	case len(data) >= 4 && method(f.abi, "symbol", data):
		out, _ := f.abi.Methods["symbol"].Outputs.Pack("USDC")
		return out, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeReaderRPC) Close() {}

func method(parsed abi.ABI, name string, data []byte) bool {
	m, ok := parsed.Methods[name]
	return ok && len(data) >= 4 && string(m.ID[:4]) == string(data[:4])
}

func TestReader_Snapshot(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(erc20ReadABI))
	require.NoError(t, err)

	token := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	treasury := common.HexToAddress("0x4444444444444444444444444444444444444444")

	rpc := &fakeReaderRPC{
		head:    1234,
		native:  big.NewInt(5_000_000_000_000_000_000), // 5 ETH
		token:   token,
		balance: big.NewInt(42_000_000), // 42 USDC
		abi:     parsed,
	}

	r, err := NewReader(ReaderConfig{
		ChainID:  8453,
		Treasury: treasury,
		Tokens:   []common.Address{token},
	}, WithReaderClient(rpc))
	require.NoError(t, err)

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(8453), snap.ChainID)
	assert.Equal(t, strings.ToLower(treasury.Hex()), snap.Wallet)
	assert.Equal(t, uint64(1234), snap.BlockNumber)
	require.Len(t, snap.Balances, 2)

	assert.Equal(t, "native", snap.Balances[0].Token)
	assert.Equal(t, "5000000000000000000", snap.Balances[0].RawBalance)

	assert.Equal(t, strings.ToLower(token.Hex()), snap.Balances[1].Token)
	assert.Equal(t, "USDC", snap.Balances[1].Symbol)
	assert.Equal(t, uint8(6), snap.Balances[1].Decimals)
	assert.Equal(t, "42000000", snap.Balances[1].RawBalance)
}
