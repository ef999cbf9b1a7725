package node

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeBabble struct {
	mu       sync.Mutex
	lastPath string
	lastBody []byte
	receipt  string
}

func (f *fakeBabble) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"accounts":[{"address":"0x00000000000000000000000000000000000000a1","balance":1606938044258990275541962092341162602522202993782792835301376,"nonce":7}]}`)
	})
	mux.HandleFunc("/account/", func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimPrefix(r.URL.Path, "/account/")
		io.WriteString(w, `{"address":"`+addr+`","balance":1000,"nonce":3}`)
	})
	record := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastPath = r.URL.Path
		f.lastBody = body
		f.mu.Unlock()
		io.WriteString(w, `{"txHash":"0x1111111111111111111111111111111111111111111111111111111111111111"}`)
	}
	mux.HandleFunc("/tx", record)
	mux.HandleFunc("/rawtx", record)
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		receipt := f.receipt
		f.mu.Unlock()
		if receipt == "" {
			http.Error(w, "tx not found", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, receipt)
	})
	return mux
}

func newBabbleFixture(t *testing.T) (*fakeBabble, *BabbleClient) {
	fake := &fakeBabble{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return fake, NewBabbleClient("node0", srv.URL, time.Second, quietLogger())
}

func TestBabbleClient_Accounts(t *testing.T) {
	_, client := newBabbleFixture(t)

	accounts, err := client.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	pow200 := new(big.Int).Lsh(big.NewInt(1), 200)
	assert.Equal(t, 0, pow200.Cmp(accounts[0].Balance), "balance must survive without float conversion")
	assert.Equal(t, uint64(7), accounts[0].Nonce)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	acc, err := client.Account(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, addr, acc.Address)
	assert.Equal(t, uint64(3), acc.Nonce)
	assert.Equal(t, big.NewInt(1000), acc.Balance)
}

func TestBabbleClient_SubmitUnsignedPreservesBigValue(t *testing.T) {
	fake, client := newBabbleFixture(t)

	to := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	value := new(big.Int).Lsh(big.NewInt(1), 200)
	desc := &models.TransactionDescriptor{
		From:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		To:       &to,
		Value:    value,
		Gas:      1000000,
		GasPrice: big.NewInt(0),
	}

	res, err := client.Submit(context.Background(), models.NewUnsignedPayload(desc))
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"), res.TxHash)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "/tx", fake.lastPath)
	assert.Contains(t, string(fake.lastBody), `"value":`+value.String())

	var decoded sendTxArgs
	require.NoError(t, json.Unmarshal(fake.lastBody, &decoded))
	assert.Equal(t, 0, value.Cmp(decoded.Value))
	assert.Nil(t, decoded.Nonce)
	assert.Equal(t, uint64(1000000), decoded.Gas)
}

func TestBabbleClient_SubmitSigned(t *testing.T) {
	fake, client := newBabbleFixture(t)

	raw := []byte{0xf8, 0x01, 0x02}
	stx := &models.SignedTransaction{Raw: raw, Descriptor: &models.TransactionDescriptor{}}
	_, err := client.Submit(context.Background(), models.NewSignedPayload(stx))
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "/rawtx", fake.lastPath)
	assert.Equal(t, hexutil.Encode(raw), string(fake.lastBody))
}

func TestBabbleClient_SubmitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nonce too low", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewBabbleClient("node0", srv.URL, time.Second, quietLogger())
	to := common.HexToAddress("0x01")
	_, err := client.Submit(context.Background(), models.NewUnsignedPayload(&models.TransactionDescriptor{To: &to, Value: big.NewInt(1)}))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubmission)
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestBabbleClient_Receipt(t *testing.T) {
	fake, client := newBabbleFixture(t)
	hash := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")

	receipt, found, err := client.Receipt(context.Background(), hash)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, receipt)

	fake.mu.Lock()
	fake.receipt = `{
		"transactionHash":"0x1111111111111111111111111111111111111111111111111111111111111111",
		"from":"0x00000000000000000000000000000000000000a1",
		"to":null,
		"gasUsed":53000,
		"contractAddress":"0x00000000000000000000000000000000000000c3",
		"logs":[{"address":"0x00000000000000000000000000000000000000c3","topics":["0x2222222222222222222222222222222222222222222222222222222222222222"],"data":"0x01","logIndex":"0x0"}],
		"failed":false
	}`
	fake.mu.Unlock()

	first, found, err := client.Receipt(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, first.ContractAddress)
	assert.Equal(t, common.HexToAddress("0xc3"), *first.ContractAddress)
	assert.True(t, first.Succeeded())
	assert.Equal(t, uint64(53000), first.GasUsed)
	require.Len(t, first.Logs, 1)
	assert.Equal(t, hexutil.Bytes{0x01}, first.Logs[0].Data)

	second, found, err := client.Receipt(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, second)
}

func TestBabbleClient_ReceiptFailedFlag(t *testing.T) {
	fake, client := newBabbleFixture(t)
	fake.receipt = `{"transactionHash":"0x1111111111111111111111111111111111111111111111111111111111111111","contractAddress":"0x0000000000000000000000000000000000000000","logs":[],"failed":true}`

	receipt, found, err := client.Receipt(context.Background(), common.HexToHash("0x11"))
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, receipt.Succeeded())
	assert.Nil(t, receipt.ContractAddress)
}

func TestBabbleClient_ReceiptRouteMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	client := NewBabbleClient("misrouted", srv.URL, time.Second, quietLogger())

	receipt, found, err := client.Receipt(context.Background(), common.HexToHash("0x11"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNetwork)
	assert.False(t, found)
	assert.Nil(t, receipt)
}

func TestBabbleClient_ReceiptServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "state db unavailable, key not found", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	client := NewBabbleClient("broken", srv.URL, time.Second, quietLogger())

	_, found, err := client.Receipt(context.Background(), common.HexToHash("0x11"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNetwork)
	assert.False(t, found)
}

func TestBabbleClient_NetworkError(t *testing.T) {
	client := NewBabbleClient("down", "http://127.0.0.1:1", 200*time.Millisecond, quietLogger())
	_, err := client.Accounts(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNetwork)
}
