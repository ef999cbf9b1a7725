package signer

import (
	"math/big"
	"testing"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T) *models.KeyedAccount {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &models.KeyedAccount{
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: crypto.FromECDSA(key),
	}
}

func localDescriptor(from common.Address) *models.TransactionDescriptor {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	nonce := uint64(4)
	return &models.TransactionDescriptor{
		From:     from,
		To:       &to,
		Value:    big.NewInt(500),
		Gas:      1000000,
		GasPrice: big.NewInt(0),
		Nonce:    &nonce,
		ChainID:  big.NewInt(1),
	}
}

func TestLocalSigner_RecoversSender(t *testing.T) {
	account := newAccount(t)
	desc := localDescriptor(account.Address)

	payload, err := NewLocalSigner(account).Sign(desc)
	require.NoError(t, err)
	require.Equal(t, models.PayloadSigned, payload.Kind)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(payload.Signed.Raw))

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, account.Address, sender)
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, big.NewInt(500), tx.Value())
	assert.Equal(t, big.NewInt(1), tx.ChainId())
	assert.Equal(t, payload.Signed.Hash, tx.Hash())
}

func TestLocalSigner_Deterministic(t *testing.T) {
	account := newAccount(t)
	s := NewLocalSigner(account)

	first, err := s.Sign(localDescriptor(account.Address))
	require.NoError(t, err)
	second, err := s.Sign(localDescriptor(account.Address))
	require.NoError(t, err)

	assert.Equal(t, first.Signed.Raw, second.Signed.Raw)
	assert.Equal(t, first.Signed.Hash, second.Signed.Hash)
}

func TestLocalSigner_DoesNotMutateDescriptor(t *testing.T) {
	account := newAccount(t)
	desc := localDescriptor(account.Address)
	before := desc.Clone()

	payload, err := NewLocalSigner(account).Sign(desc)
	require.NoError(t, err)

	assert.Equal(t, before, desc)
	assert.NotSame(t, desc, payload.Signed.Descriptor)

	payload.Signed.Descriptor.Value.SetInt64(1)
	assert.Equal(t, big.NewInt(500), desc.Value)
}

func TestLocalSigner_Errors(t *testing.T) {
	account := newAccount(t)

	tests := []struct {
		name    string
		account *models.KeyedAccount
		mutate  func(d *models.TransactionDescriptor)
	}{
		{"short key", &models.KeyedAccount{Address: account.Address, PrivateKey: []byte{1, 2, 3}}, nil},
		{"zero key", &models.KeyedAccount{Address: account.Address, PrivateKey: make([]byte, 32)}, nil},
		{"missing nonce", account, func(d *models.TransactionDescriptor) { d.Nonce = nil }},
		{"missing chain id", account, func(d *models.TransactionDescriptor) { d.ChainID = nil }},
		{"from mismatch", account, func(d *models.TransactionDescriptor) { d.From = common.HexToAddress("0x01") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := localDescriptor(account.Address)
			if tt.mutate != nil {
				tt.mutate(desc)
			}
			_, err := NewLocalSigner(tt.account).Sign(desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrSigning)
		})
	}
}

func TestRemoteSigner(t *testing.T) {
	desc := &models.TransactionDescriptor{From: common.HexToAddress("0xa1"), Value: big.NewInt(1), Data: []byte{1}}

	payload, err := RemoteSigner{}.Sign(desc)
	require.NoError(t, err)
	assert.Equal(t, models.PayloadUnsigned, payload.Kind)
	assert.Nil(t, payload.Signed)
	assert.Equal(t, desc, payload.Descriptor)
	assert.NotSame(t, desc, payload.Descriptor)
}

func TestFor(t *testing.T) {
	s, err := For(ModeRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeRemote, s.Mode())

	_, err = For(ModeLocal, nil)
	assert.ErrorIs(t, err, errors.ErrSigning)

	s, err = For(ModeLocal, newAccount(t))
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, s.Mode())
	assert.Equal(t, "local", s.Mode().String())

	_, err = For(Mode(9), nil)
	assert.Error(t, err)
}
