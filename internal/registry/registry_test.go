package registry

import (
	"context"
	"math/big"
	"testing"

	"txflow/internal/connection"
	"txflow/internal/errors"
	"txflow/internal/node"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type failingClient struct {
	node.Client
}

func (f *failingClient) Name() string { return "down" }

func (f *failingClient) Accounts(ctx context.Context) ([]*models.Account, error) {
	return nil, errors.Newf(errors.ErrSubmission, "node rejected request")
}

func TestRegistry_Refresh(t *testing.T) {
	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	addrA := crypto.PubkeyToAddress(keyA.PublicKey)
	addrB := crypto.PubkeyToAddress(keyB.PublicKey)

	ledger := node.NewMemoryLedger(big.NewInt(1), map[common.Address]*big.Int{addrA: big.NewInt(1000)})
	nodes := connection.NewNodeSetFromClients(quietLogger(),
		node.NewMemoryClient("node0", ledger, keyA),
		node.NewMemoryClient("node1", ledger, keyB),
	)
	r := NewRegistry(nodes, quietLogger())

	_, err = r.Primary("node0")
	assert.ErrorIs(t, err, errors.ErrInvalidDescriptor)

	results, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "node0", results[0].Node)
	assert.Equal(t, big.NewInt(1000), results[0].Accounts[0].Balance)
	assert.Equal(t, big.NewInt(0), results[1].Accounts[0].Balance)

	primary, err := r.Primary("node1")
	require.NoError(t, err)
	assert.Equal(t, addrB, primary)

	owner, ok := r.Owner(addrA)
	require.True(t, ok)
	assert.Equal(t, "node0", owner)

	accs, ok := r.Accounts("node0")
	require.True(t, ok)
	assert.Len(t, accs, 1)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "node1", snapshot[1].Node)
}

func TestRegistry_RefreshFailureKeepsPreviousState(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ledger := node.NewMemoryLedger(big.NewInt(1), nil)
	good := node.NewMemoryClient("node0", ledger, key)

	r := NewRegistry(connection.NewNodeSetFromClients(quietLogger(), good), quietLogger())
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)

	r.nodes = connection.NewNodeSetFromClients(quietLogger(), good, &failingClient{})
	_, err = r.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubmission)
	assert.Contains(t, err.Error(), "down")

	_, err = r.Primary("node0")
	assert.NoError(t, err)
}

func TestRegistry_NodeWithoutAccounts(t *testing.T) {
	ledger := node.NewMemoryLedger(big.NewInt(1), nil)
	r := NewRegistry(connection.NewNodeSetFromClients(quietLogger(), node.NewMemoryClient("node0", ledger)), quietLogger())

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	_, err = r.Primary("node0")
	assert.ErrorIs(t, err, errors.ErrInvalidDescriptor)
}
