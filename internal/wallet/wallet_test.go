package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopClient satisfies EthClient without talking to a chain.
type nopClient struct{}

func (nopClient) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (nopClient) SuggestGasPrice(context.Context) (*big.Int, error)             { return big.NewInt(1), nil }
func (nopClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 21000, nil }
func (nopClient) SendTransaction(context.Context, *types.Transaction) error     { return nil }
func (nopClient) Close() {}

const testKey = "fad9c8855b740a0b7ed4c221dbad0f33a83a49cad6b3fe8d5817ac83d38b6a19"

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "valid",
			cfg: Config{
				RPCURL:       "https://mainnet.base.org",
				PrivateKey:   testKey,
				ChainID:      8453,
				USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			},
		},
		{
			name: "valid with 0x prefix",
			cfg: Config{
				RPCURL:       "https://mainnet.base.org",
				PrivateKey:   "0x" + testKey,
				ChainID:      8453,
				USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			},
		},
		{
			name:    "missing RPC URL",
			cfg:     Config{PrivateKey: testKey, ChainID: 8453, USDCContract: "0x1"},
			wantErr: ErrRPCConnection,
		},
		{
			name:    "missing key",
			cfg:     Config{RPCURL: "https://mainnet.base.org", ChainID: 8453, USDCContract: "0x1"},
			wantErr: ErrInvalidPrivateKey,
		},
		{
			name:    "short key",
			cfg:     Config{RPCURL: "https://mainnet.base.org", PrivateKey: "abc", ChainID: 8453, USDCContract: "0x1"},
			wantErr: ErrInvalidPrivateKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTransferError(t *testing.T) {
	inner := errors.New("boom")

	e := &TransferError{Op: "send", TxHash: "0xabc", Err: inner}
	assert.Contains(t, e.Error(), "send")
	assert.Contains(t, e.Error(), "0xabc")
	assert.ErrorIs(t, e, inner)

	noHash := &TransferError{Op: "nonce", Err: inner}
	assert.NotContains(t, noHash.Error(), "tx:")
}

func TestNew_DerivesAddress(t *testing.T) {
	w, err := New(Config{
		RPCURL:       "https://mainnet.base.org",
		PrivateKey:   testKey,
		ChainID:      8453,
		USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}, WithClient(nopClient{}))
	require.NoError(t, err)

	// Well-known address for this well-known test key.
	assert.Equal(t, "0x96216849c49358B10257cb55b28eA603c874b05E", w.Address().Hex())
}
