package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
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

func newKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func signRaw(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value int64) *models.Payload {
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Value: big.NewInt(value), Gas: 1000000, GasPrice: big.NewInt(0)})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(1)), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return models.NewSignedPayload(&models.SignedTransaction{Raw: raw, Hash: signed.Hash()})
}

func TestMemoryClient_RemoteTransfer(t *testing.T) {
	keyA, keyB := newKey(t), newKey(t)
	addrA, addrB := crypto.PubkeyToAddress(keyA.PublicKey), crypto.PubkeyToAddress(keyB.PublicKey)

	ledger := NewMemoryLedger(big.NewInt(1), map[common.Address]*big.Int{addrA: big.NewInt(1000)})
	nodeA := NewMemoryClient("node0", ledger, keyA)
	nodeB := NewMemoryClient("node1", ledger, keyB)
	ctx := context.Background()

	res, err := nodeA.Submit(ctx, models.NewUnsignedPayload(&models.TransactionDescriptor{
		From: addrA, To: &addrB, Value: big.NewInt(500), Gas: 1000000, GasPrice: big.NewInt(0),
	}))
	require.NoError(t, err)

	// 其他节点也能查询到同一笔交易
	receipt, found, err := nodeB.Receipt(ctx, res.TxHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, addrA, receipt.From)

	accountsA, err := nodeA.Accounts(ctx)
	require.NoError(t, err)
	accountsB, err := nodeB.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), accountsA[0].Balance)
	assert.Equal(t, big.NewInt(500), accountsB[0].Balance)
	assert.Equal(t, uint64(1), accountsA[0].Nonce)
}

func TestMemoryClient_UnknownAccountRejected(t *testing.T) {
	ledger := NewMemoryLedger(big.NewInt(1), nil)
	client := NewMemoryClient("node0", ledger, newKey(t))

	to := common.HexToAddress("0x01")
	_, err := client.Submit(context.Background(), models.NewUnsignedPayload(&models.TransactionDescriptor{
		From: common.HexToAddress("0x02"), To: &to, Value: big.NewInt(1), Gas: 21000,
	}))
	assert.ErrorIs(t, err, errors.ErrSubmission)
}

func TestMemoryClient_RawNonceChecks(t *testing.T) {
	key := newKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	ledger := NewMemoryLedger(big.NewInt(1), map[common.Address]*big.Int{from: big.NewInt(1000)})
	client := NewMemoryClient("node2", ledger)
	ctx := context.Background()

	_, err := client.Submit(ctx, signRaw(t, key, 0, to, 100))
	require.NoError(t, err)

	acc, err := client.Account(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Nonce, "pending nonce is visible before execution")

	_, err = client.Submit(ctx, signRaw(t, key, 0, to, 101))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")

	_, err = client.Submit(ctx, signRaw(t, key, 5, to, 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too high")

	_, err = client.Submit(ctx, signRaw(t, key, 1, to, 100))
	require.NoError(t, err)

	ledger.Flush()
	assert.Equal(t, big.NewInt(800), ledger.Balance(from))
	assert.Equal(t, big.NewInt(200), ledger.Balance(to))
}

func TestMemoryClient_WrongChainIDRejected(t *testing.T) {
	key := newKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	ledger := NewMemoryLedger(big.NewInt(1), map[common.Address]*big.Int{from: big.NewInt(1000)})
	client := NewMemoryClient("node0", ledger)

	to := common.HexToAddress("0x01")
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(0)})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(5)), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), models.NewSignedPayload(&models.SignedTransaction{Raw: raw}))
	assert.ErrorIs(t, err, errors.ErrSubmission)
}

func TestMemoryClient_ReceiptAbsentThenStable(t *testing.T) {
	key := newKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	ledger := NewMemoryLedger(big.NewInt(1), map[common.Address]*big.Int{from: big.NewInt(1000)})
	ledger.SetConfirmAfter(2)
	client := NewMemoryClient("node0", ledger, key)
	ctx := context.Background()

	to := common.HexToAddress("0x01")
	res, err := client.Submit(ctx, models.NewUnsignedPayload(&models.TransactionDescriptor{
		From: from, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(0),
	}))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r, found, err := client.Receipt(ctx, res.TxHash)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, r)
	}

	first, found, err := client.Receipt(ctx, res.TxHash)
	require.NoError(t, err)
	require.True(t, found)
	second, found, err := client.Receipt(ctx, res.TxHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, second)

	_, found, err = client.Receipt(ctx, common.HexToHash("0xdead"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryLedger_CreationAndBehavior(t *testing.T) {
	key := newKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	ledger := NewMemoryLedger(big.NewInt(1), map[common.Address]*big.Int{from: big.NewInt(5000)})
	client := NewMemoryClient("node0", ledger, key)
	ctx := context.Background()

	res, err := client.Submit(ctx, models.NewUnsignedPayload(&models.TransactionDescriptor{
		From: from, Value: big.NewInt(1111), Data: []byte{0x60, 0x80, 0x60, 0x40}, Gas: 1000000, GasPrice: big.NewInt(0),
	}))
	require.NoError(t, err)

	receipt, found, err := client.Receipt(ctx, res.TxHash)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, receipt.ContractAddress)
	contract := *receipt.ContractAddress
	assert.Equal(t, crypto.CreateAddress(from, 0), contract)
	assert.Equal(t, big.NewInt(1111), ledger.Balance(contract))
	assert.NotEmpty(t, ledger.Code(contract))

	topic := crypto.Keccak256Hash([]byte("Bought(address)"))
	selector := crypto.Keccak256([]byte("buy()"))[:4]
	ledger.RegisterBehavior(selector, func(call *Call) ([]*models.RawLog, error) {
		if call.Value.Cmp(big.NewInt(100)) < 0 {
			return nil, fmt.Errorf("price not met")
		}
		return []*models.RawLog{{Topics: []common.Hash{topic}, Data: common.LeftPadBytes(call.From.Bytes(), 32)}}, nil
	})

	res, err = client.Submit(ctx, models.NewUnsignedPayload(&models.TransactionDescriptor{
		From: from, To: &contract, Value: big.NewInt(10), Data: selector, Gas: 1000000, GasPrice: big.NewInt(0),
	}))
	require.NoError(t, err)
	receipt, _, err = client.Receipt(ctx, res.TxHash)
	require.NoError(t, err)
	assert.False(t, receipt.Succeeded())
	assert.Empty(t, receipt.Logs)

	res, err = client.Submit(ctx, models.NewUnsignedPayload(&models.TransactionDescriptor{
		From: from, To: &contract, Value: big.NewInt(100), Data: selector, Gas: 1000000, GasPrice: big.NewInt(0),
	}))
	require.NoError(t, err)
	receipt, _, err = client.Receipt(ctx, res.TxHash)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, contract, receipt.Logs[0].Address)
	assert.Equal(t, big.NewInt(1211), ledger.Balance(contract))
}

func TestMemoryLedger_InsufficientBalanceFails(t *testing.T) {
	key := newKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	ledger := NewMemoryLedger(big.NewInt(1), map[common.Address]*big.Int{from: big.NewInt(10)})
	client := NewMemoryClient("node0", ledger, key)

	to := common.HexToAddress("0x01")
	res, err := client.Submit(context.Background(), models.NewUnsignedPayload(&models.TransactionDescriptor{
		From: from, To: &to, Value: big.NewInt(11), Gas: 21000, GasPrice: big.NewInt(0),
	}))
	require.NoError(t, err)

	receipt, found, err := client.Receipt(context.Background(), res.TxHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, receipt.Succeeded())
	assert.Equal(t, big.NewInt(10), ledger.Balance(from))
}

func TestWithRateLimit(t *testing.T) {
	ledger := NewMemoryLedger(big.NewInt(1), nil)
	base := NewMemoryClient("node0", ledger)

	assert.Same(t, Client(base), WithRateLimit(base, 0))

	limited := WithRateLimit(base, 1000)
	assert.Equal(t, "node0", limited.Name())
	_, err := limited.Accounts(context.Background())
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Accounts(ctx)
	assert.Error(t, err)
}
