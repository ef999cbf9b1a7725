package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"txflow/internal/errors"
	"txflow/pkg/models"

	ethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
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

func writePassword(t *testing.T, dir, pwd string) string {
	path := filepath.Join(dir, "pwd.txt")
	require.NoError(t, os.WriteFile(path, []byte(pwd), 0o600))
	return path
}

func TestLoadWallet(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "keystore")
	require.NoError(t, os.MkdirAll(dir, 0o700))

	first, err := ethkeystore.StoreKey(dir, "secret", ethkeystore.LightScryptN, ethkeystore.LightScryptP)
	require.NoError(t, err)

	// 子目录中的同名文件
	nestedDir := filepath.Join(root, "tmp")
	second, err := ethkeystore.StoreKey(nestedDir, "secret", ethkeystore.LightScryptN, ethkeystore.LightScryptP)
	require.NoError(t, err)
	name := filepath.Base(second.URL.Path)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o700))
	require.NoError(t, os.Rename(second.URL.Path, filepath.Join(dir, name, name)))

	w, err := LoadWallet(dir, writePassword(t, root, "secret\n"), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, w.Len())
	assert.ElementsMatch(t, []common.Address{first.Address, second.Address}, w.Addresses())

	acc, err := w.Account(first.Address)
	require.NoError(t, err)
	key, err := crypto.ToECDSA(acc.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, first.Address, crypto.PubkeyToAddress(key.PublicKey))
}

func TestLoadWallet_WrongPassword(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "keystore")
	_, err := ethkeystore.StoreKey(dir, "secret", ethkeystore.LightScryptN, ethkeystore.LightScryptP)
	require.NoError(t, err)

	_, err = LoadWallet(dir, writePassword(t, root, "nope"), quietLogger())
	assert.ErrorIs(t, err, errors.ErrKeystore)
}

func TestLoadWallet_MissingInputs(t *testing.T) {
	root := t.TempDir()

	_, err := LoadWallet(root, filepath.Join(root, "missing.txt"), quietLogger())
	assert.ErrorIs(t, err, errors.ErrKeystore)

	_, err = LoadWallet(filepath.Join(root, "missing"), writePassword(t, root, "x"), quietLogger())
	assert.ErrorIs(t, err, errors.ErrKeystore)
}

func TestWallet_CloseZeroesKeys(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	acc := &models.KeyedAccount{Address: crypto.PubkeyToAddress(key.PublicKey), PrivateKey: crypto.FromECDSA(key)}
	raw := acc.PrivateKey

	w := NewWallet(acc)
	got, err := w.Account(acc.Address)
	require.NoError(t, err)
	assert.Same(t, acc, got)

	require.NoError(t, w.Close())
	assert.Nil(t, acc.PrivateKey)
	assert.Equal(t, make([]byte, len(raw)), raw)

	_, err = w.Account(acc.Address)
	assert.ErrorIs(t, err, errors.ErrKeystore)
}

func TestWallet_UnknownAccount(t *testing.T) {
	w := NewWallet()
	_, err := w.Account(common.HexToAddress("0x01"))
	assert.Error(t, err)
}
