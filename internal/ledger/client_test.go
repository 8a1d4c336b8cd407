package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, mnemonic string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		RESTURL:      srv.URL,
		ChainID:      "regen-1",
		FeeDenom:     "uregen",
		FeeAmount:    5000,
		GasLimit:     200_000,
		Bech32Prefix: "regen",
		Mnemonic:     mnemonic,
	}, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestListSellOrders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/regen/ecocredit/marketplace/v1/sell-orders", r.URL.Path)
		assert.Equal(t, "1000", r.URL.Query().Get("pagination.limit"))
		io.WriteString(w, `{"sell_orders":[
			{"id":"3","seller":"regen1seller","quantity":"10.5","batch_denom":"C01-001-20200101-20210101-001","ask_denom":"uregen","ask_amount":"1000000","disable_auto_retire":false,"expiration":"2030-01-01T00:00:00Z"},
			{"id":"4","seller":"regen1other","quantity":"2","batch_denom":"BIO01-001-20200101-20210101-001","ask_denom":"uregen","ask_amount":"2500000","disable_auto_retire":true},
			{"id":"bad","seller":"x","quantity":"1","batch_denom":"C01","ask_denom":"uregen","ask_amount":"nope"}
		],"pagination":{"total":"3"}}`)
	})

	client := newTestClient(t, handler, "")
	orders, err := client.ListSellOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, uint64(3), orders[0].ID)
	assert.Equal(t, "C01-001-20200101-20210101-001", orders[0].BatchDenom)
	assert.Equal(t, int64(1_000_000), orders[0].AskAmount.Int64())
	require.NotNil(t, orders[0].Expiration)
	assert.Equal(t, 2030, orders[0].Expiration.Year())

	assert.True(t, orders[1].DisableAutoRetire)
	assert.Nil(t, orders[1].Expiration)
}

func TestGetAllowedDenoms(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"allowed_denoms":[
			{"bank_denom":"uregen","display_denom":"regen","exponent":6},
			{"bank_denom":"ibc/USDC","display_denom":"usdc","exponent":6}
		]}`)
	})

	client := newTestClient(t, handler, "")
	denoms, err := client.GetAllowedDenoms(context.Background())
	require.NoError(t, err)
	require.Len(t, denoms, 2)
	assert.Equal(t, "uregen", denoms[0].BankDenom)
	assert.Equal(t, uint32(6), denoms[1].Exponent)
}

func TestBankBalance(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cosmos/bank/v1beta1/balances/regen1abc/by_denom", r.URL.Path)
		assert.Equal(t, "uregen", r.URL.Query().Get("denom"))
		io.WriteString(w, `{"balance":{"denom":"uregen","amount":"123456789"}}`)
	})

	client := newTestClient(t, handler, "")
	balance, err := client.BankBalance(context.Background(), "regen1abc", "uregen")
	require.NoError(t, err)
	assert.Equal(t, int64(123_456_789), balance.Int64())
}

func TestBankBalanceEmpty(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"balance":{"denom":"uregen","amount":""}}`)
	})

	client := newTestClient(t, handler, "")
	balance, err := client.BankBalance(context.Background(), "regen1abc", "uregen")
	require.NoError(t, err)
	assert.Zero(t, balance.Int64())
}

func TestAccountInfoShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "base account",
			body: `{"account":{"@type":"/cosmos.auth.v1beta1.BaseAccount","address":"regen1abc","account_number":"7","sequence":"3"}}`,
		},
		{
			name: "nested base account",
			body: `{"account":{"@type":"/cosmos.vesting.v1beta1.ContinuousVestingAccount","base_account":{"address":"regen1abc","account_number":"7","sequence":"3"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})
			client := newTestClient(t, handler, "")

			num, seq, err := client.accountInfo(context.Background(), "regen1abc")
			require.NoError(t, err)
			assert.Equal(t, uint64(7), num)
			assert.Equal(t, uint64(3), seq)
		})
	}
}

func TestGetJSONErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, `upstream broken`)
	})
	client := newTestClient(t, handler, "")

	_, err := client.ListSellOrders(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "5xx should be retryable")

	status = http.StatusNotFound
	_, err = client.ListSellOrders(context.Background())
	require.Error(t, err)
	assert.False(t, IsRetryable(err), "4xx should not be retryable")
}

func TestSignAndBroadcast(t *testing.T) {
	var captured []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/cosmos/auth/v1beta1/accounts/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"account":{"@type":"/cosmos.auth.v1beta1.BaseAccount","account_number":"12","sequence":"5"}}`)
	})
	mux.HandleFunc("/cosmos/tx/v1beta1/txs", func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"tx_response":{"code":0,"txhash":"AB12CD","height":"4242","raw_log":""}}`)
	})

	client := newTestClient(t, mux, testMnemonic)
	orders := []BuyDirectOrder{{
		SellOrderID:            9,
		Quantity:               "1.000000",
		BidDenom:               "uregen",
		BidAmountMicro:         big.NewInt(1_000_000),
		RetirementJurisdiction: "US-WA",
		RetirementReason:       "offsets",
	}}

	result, err := client.SignAndBroadcast(context.Background(), orders, "memo text")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), result.Code)
	assert.Equal(t, "AB12CD", result.TxHash)
	assert.Equal(t, int64(4242), result.Height)

	var payload struct {
		TxBytes string `json:"tx_bytes"`
		Mode    string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(captured, &payload))
	assert.Equal(t, "BROADCAST_MODE_SYNC", payload.Mode)

	raw, err := base64.StdEncoding.DecodeString(payload.TxBytes)
	require.NoError(t, err)

	tx := parseWire(t, raw)
	body := tx[1][0].bytes
	authInfo := tx[2][0].bytes
	signature := tx[3][0].bytes
	require.Len(t, signature, 64)

	bodyFields := parseWire(t, body)
	anyFields := parseWire(t, bodyFields[1][0].bytes)
	assert.Equal(t, buyDirectTypeURL, string(anyFields[1][0].bytes))
	assert.Equal(t, "memo text", string(bodyFields[2][0].bytes))

	msg := parseWire(t, anyFields[2][0].bytes)
	assert.Equal(t, client.Address(), string(msg[1][0].bytes))

	authFields := parseWire(t, authInfo)
	signerInfo := parseWire(t, authFields[1][0].bytes)
	assert.Equal(t, uint64(5), signerInfo[3][0].varint)

	// The signature must cover SignDoc(body, authInfo, chain id, account number).
	signDoc := encodeSignDoc(body, authInfo, "regen-1", 12)
	digest := sha256.Sum256(signDoc)

	var rs, ss secp256k1.ModNScalar
	require.False(t, rs.SetByteSlice(signature[:32]))
	require.False(t, ss.SetByteSlice(signature[32:]))
	pub, err := secp256k1.ParsePubKey(client.wallet.PubKeyCompressed())
	require.NoError(t, err)
	assert.True(t, ecdsa.NewSignature(&rs, &ss).Verify(digest[:], pub))
}

func TestSignAndBroadcastChainRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cosmos/auth/v1beta1/accounts/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"account":{"account_number":"1","sequence":"0"}}`)
	})
	mux.HandleFunc("/cosmos/tx/v1beta1/txs", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"tx_response":{"code":5,"txhash":"FF00","height":"0","raw_log":"insufficient funds"}}`)
	})

	client := newTestClient(t, mux, testMnemonic)
	result, err := client.SignAndBroadcast(context.Background(), []BuyDirectOrder{{
		SellOrderID: 1, Quantity: "1.000000", BidDenom: "uregen", BidAmountMicro: big.NewInt(1),
	}}, "")

	// Chain-side rejection is a result, not a transport error.
	require.NoError(t, err)
	assert.Equal(t, uint32(5), result.Code)
	assert.Equal(t, "insufficient funds", result.RawLog)
}

func TestSignAndBroadcastRequiresWallet(t *testing.T) {
	client := newTestClient(t, http.NewServeMux(), "")
	_, err := client.SignAndBroadcast(context.Background(), []BuyDirectOrder{{SellOrderID: 1}}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no wallet")
}

func TestSignAndBroadcastRespectsTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		RESTURL:          srv.URL,
		ChainID:          "regen-1",
		FeeDenom:         "uregen",
		Bech32Prefix:     "regen",
		Mnemonic:         testMnemonic,
		BroadcastTimeout: 50 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	_, err = client.SignAndBroadcast(context.Background(), []BuyDirectOrder{{
		SellOrderID: 1, Quantity: "1.000000", BidDenom: "uregen", BidAmountMicro: big.NewInt(1),
	}}, "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, IsRetryable(err) || strings.Contains(err.Error(), "context deadline exceeded"))
}
