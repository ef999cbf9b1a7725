package journal

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *Journal {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	j, err := NewJournal(filepath.Join(t.TempDir(), "data", "journal.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndResolve(t *testing.T) {
	j := openJournal(t)
	value := new(big.Int).Lsh(big.NewInt(1), 200)

	rec := &models.TransactionRecord{
		TxHash:      "0x01",
		Kind:        models.KindDeploy,
		Node:        "node0",
		From:        "0xa1",
		Value:       value,
		Signing:     "remote",
		Status:      models.StatusSubmitted,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, j.Record(rec))

	got, err := j.Get("0x01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, value.Cmp(got.Value))
	assert.Equal(t, models.StatusSubmitted, got.Status)
	assert.Nil(t, got.ResolvedAt)

	require.NoError(t, j.Resolve("0x01", models.StatusSucceeded, "0xc3"))
	got, err = j.Get("0x01")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, "0xc3", got.Contract)
	assert.NotNil(t, got.ResolvedAt)

	stats := j.GetStats()
	assert.Equal(t, 1, stats["total_transactions"])
	assert.Equal(t, uint64(1), stats["kind:deploy"])
	assert.Equal(t, uint64(1), stats["status:succeeded"])
}

func TestJournal_ResolveUnknown(t *testing.T) {
	j := openJournal(t)
	err := j.Resolve("0xmissing", models.StatusFailed, "")
	assert.ErrorIs(t, err, errors.ErrStorage)

	rec, err := j.Get("0xmissing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestJournal_ListNewestFirst(t *testing.T) {
	j := openJournal(t)
	base := time.Now()
	for i, hash := range []string{"0x01", "0x02", "0x03"} {
		require.NoError(t, j.Record(&models.TransactionRecord{
			TxHash:      hash,
			Kind:        models.KindTransfer,
			Value:       big.NewInt(500),
			Status:      models.StatusSubmitted,
			SubmittedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "0x03", all[0].TxHash)
	assert.Equal(t, "0x01", all[2].TxHash)

	two, err := j.List(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestJournal_Nonces(t *testing.T) {
	j := openJournal(t)
	addr := common.HexToAddress("0xa1")

	_, found, err := j.LastNonce(addr)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, j.SaveNonce(addr, 5))
	require.NoError(t, j.SaveNonce(addr, 3))

	n, found, err := j.LastNonce(addr)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(5), n)

	require.NoError(t, j.Reset())
	_, found, err = j.LastNonce(addr)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJournal_Reopen(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := NewJournal(path, logger)
	require.NoError(t, err)
	require.NoError(t, j.SaveNonce(common.HexToAddress("0xa1"), 9))
	require.NoError(t, j.Close())

	j, err = NewJournal(path, logger)
	require.NoError(t, err)
	defer j.Close()
	n, found, err := j.LastNonce(common.HexToAddress("0xa1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(9), n)
	assert.Equal(t, path, j.GetDBPath())
}
