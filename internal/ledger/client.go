package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the chain connection settings.
type Config struct {
	RESTURL          string
	IndexerURL       string
	ChainID          string
	FeeDenom         string
	FeeAmount        int64
	GasLimit         uint64
	Bech32Prefix     string
	Mnemonic         string
	BroadcastTimeout time.Duration
}

// Client talks to a Regen-compatible chain over its REST gateway and, when a
// mnemonic is configured, signs and broadcasts transactions. Broadcasts are
// serialized so the account sequence never races.
type Client struct {
	restURL          string
	indexerURL       string
	httpc            *http.Client
	wallet           *Wallet
	chainID          string
	feeDenom         string
	feeAmount        int64
	gasLimit         uint64
	broadcastTimeout time.Duration
	pollInterval     time.Duration
	signMu           sync.Mutex
	log              zerolog.Logger
}

// NewClient builds a chain client. The wallet is optional: without a
// mnemonic the client is read-only and SignAndBroadcast fails.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.RESTURL == "" {
		return nil, fmt.Errorf("ledger REST URL is required")
	}

	c := &Client{
		restURL:          cfg.RESTURL,
		indexerURL:       cfg.IndexerURL,
		httpc:            &http.Client{Timeout: 30 * time.Second},
		chainID:          cfg.ChainID,
		feeDenom:         cfg.FeeDenom,
		feeAmount:        cfg.FeeAmount,
		gasLimit:         cfg.GasLimit,
		broadcastTimeout: cfg.BroadcastTimeout,
		pollInterval:     2 * time.Second,
		log:              logger.With().Str("component", "ledger").Logger(),
	}
	if c.broadcastTimeout <= 0 {
		c.broadcastTimeout = 60 * time.Second
	}

	if cfg.Mnemonic != "" {
		wallet, err := NewWallet(cfg.Mnemonic, cfg.Bech32Prefix)
		if err != nil {
			return nil, err
		}
		c.wallet = wallet
		c.log.Info().Str("address", wallet.Address()).Msg("Wallet loaded")
	} else {
		c.log.Warn().Msg("No mnemonic configured, running read-only")
	}

	return c, nil
}

// HasWallet reports whether the client can sign transactions.
func (c *Client) HasWallet() bool {
	return c.wallet != nil
}

// Address returns the wallet address, or "" in read-only mode.
func (c *Client) Address() string {
	if c.wallet == nil {
		return ""
	}
	return c.wallet.Address()
}

// getJSON fetches path from the REST gateway and decodes the response.
// Server-side failures come back wrapped in RetryableError so callers can
// distinguish them from permanent ones.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("ledger request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("failed to read ledger response: %w", err)}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &RetryableError{Err: fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, truncate(body, 256))}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode ledger response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Chain REST encodes integers as strings; these wire types mirror that.

type sellOrderWire struct {
	ID                string `json:"id"`
	Seller            string `json:"seller"`
	Quantity          string `json:"quantity"`
	BatchDenom        string `json:"batch_denom"`
	AskDenom          string `json:"ask_denom"`
	AskAmount         string `json:"ask_amount"`
	DisableAutoRetire bool   `json:"disable_auto_retire"`
	Expiration        string `json:"expiration"`
}

// ListSellOrders returns all open sell orders on the marketplace.
func (c *Client) ListSellOrders(ctx context.Context) ([]SellOrder, error) {
	var resp struct {
		SellOrders []sellOrderWire `json:"sell_orders"`
	}
	if err := c.getJSON(ctx, "/regen/ecocredit/marketplace/v1/sell-orders?pagination.limit=1000", &resp); err != nil {
		return nil, err
	}

	orders := make([]SellOrder, 0, len(resp.SellOrders))
	for _, w := range resp.SellOrders {
		order, err := parseSellOrder(w)
		if err != nil {
			c.log.Warn().Err(err).Str("order_id", w.ID).Msg("Skipping malformed sell order")
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func parseSellOrder(w sellOrderWire) (SellOrder, error) {
	id, err := strconv.ParseUint(w.ID, 10, 64)
	if err != nil {
		return SellOrder{}, fmt.Errorf("invalid sell order id %q: %w", w.ID, err)
	}
	ask, ok := new(big.Int).SetString(w.AskAmount, 10)
	if !ok {
		return SellOrder{}, fmt.Errorf("invalid ask amount %q", w.AskAmount)
	}

	order := SellOrder{
		ID:                id,
		Seller:            w.Seller,
		Quantity:          w.Quantity,
		BatchDenom:        w.BatchDenom,
		AskDenom:          w.AskDenom,
		AskAmount:         ask,
		DisableAutoRetire: w.DisableAutoRetire,
	}
	if w.Expiration != "" {
		t, err := time.Parse(time.RFC3339, w.Expiration)
		if err != nil {
			return SellOrder{}, fmt.Errorf("invalid expiration %q: %w", w.Expiration, err)
		}
		order.Expiration = &t
	}
	return order, nil
}

// ListCreditClasses returns all on-chain credit classes.
func (c *Client) ListCreditClasses(ctx context.Context) ([]CreditClass, error) {
	var resp struct {
		Classes []struct {
			ID               string `json:"id"`
			Admin            string `json:"admin"`
			Metadata         string `json:"metadata"`
			CreditTypeAbbrev string `json:"credit_type_abbrev"`
		} `json:"classes"`
	}
	if err := c.getJSON(ctx, "/regen/ecocredit/v1/classes?pagination.limit=1000", &resp); err != nil {
		return nil, err
	}

	classes := make([]CreditClass, 0, len(resp.Classes))
	for _, w := range resp.Classes {
		classes = append(classes, CreditClass{
			ID:               w.ID,
			Admin:            w.Admin,
			Metadata:         w.Metadata,
			CreditTypeAbbrev: w.CreditTypeAbbrev,
		})
	}
	return classes, nil
}

// ListProjects returns all on-chain projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []struct {
			ID           string `json:"id"`
			Admin        string `json:"admin"`
			ClassID      string `json:"class_id"`
			Jurisdiction string `json:"jurisdiction"`
			Metadata     string `json:"metadata"`
			ReferenceID  string `json:"reference_id"`
		} `json:"projects"`
	}
	if err := c.getJSON(ctx, "/regen/ecocredit/v1/projects?pagination.limit=1000", &resp); err != nil {
		return nil, err
	}

	projects := make([]Project, 0, len(resp.Projects))
	for _, w := range resp.Projects {
		projects = append(projects, Project{
			ID:           w.ID,
			Admin:        w.Admin,
			ClassID:      w.ClassID,
			Jurisdiction: w.Jurisdiction,
			Metadata:     w.Metadata,
			ReferenceID:  w.ReferenceID,
		})
	}
	return projects, nil
}

// GetAllowedDenoms returns the bank denoms the marketplace accepts.
func (c *Client) GetAllowedDenoms(ctx context.Context) ([]AllowedDenom, error) {
	var resp struct {
		AllowedDenoms []struct {
			BankDenom    string `json:"bank_denom"`
			DisplayDenom string `json:"display_denom"`
			Exponent     uint32 `json:"exponent"`
		} `json:"allowed_denoms"`
	}
	if err := c.getJSON(ctx, "/regen/ecocredit/marketplace/v1/allowed-denoms", &resp); err != nil {
		return nil, err
	}

	denoms := make([]AllowedDenom, 0, len(resp.AllowedDenoms))
	for _, w := range resp.AllowedDenoms {
		denoms = append(denoms, AllowedDenom{
			BankDenom:    w.BankDenom,
			DisplayDenom: w.DisplayDenom,
			Exponent:     w.Exponent,
		})
	}
	return denoms, nil
}

// BankBalance returns the wallet's balance for one denom in base units.
func (c *Client) BankBalance(ctx context.Context, address, denom string) (*big.Int, error) {
	path := fmt.Sprintf("/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s", address, url.QueryEscape(denom))
	var resp struct {
		Balance struct {
			Denom  string `json:"denom"`
			Amount string `json:"amount"`
		} `json:"balance"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.Balance.Amount == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(resp.Balance.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance amount %q", resp.Balance.Amount)
	}
	return amount, nil
}

// accountInfo fetches the account number and sequence needed for signing.
// Vesting and module accounts nest the numbers under base_account.
func (c *Client) accountInfo(ctx context.Context, address string) (accountNumber, sequence uint64, err error) {
	var resp struct {
		Account struct {
			AccountNumber string `json:"account_number"`
			Sequence      string `json:"sequence"`
			BaseAccount   struct {
				AccountNumber string `json:"account_number"`
				Sequence      string `json:"sequence"`
			} `json:"base_account"`
		} `json:"account"`
	}
	if err := c.getJSON(ctx, "/cosmos/auth/v1beta1/accounts/"+address, &resp); err != nil {
		return 0, 0, err
	}

	numStr, seqStr := resp.Account.AccountNumber, resp.Account.Sequence
	if numStr == "" {
		numStr, seqStr = resp.Account.BaseAccount.AccountNumber, resp.Account.BaseAccount.Sequence
	}
	if numStr == "" {
		return 0, 0, fmt.Errorf("account %s not found on chain", address)
	}

	accountNumber, err = strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid account number %q: %w", numStr, err)
	}
	if seqStr != "" {
		sequence, err = strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid sequence %q: %w", seqStr, err)
		}
	}
	return accountNumber, sequence, nil
}

// SignAndBroadcast signs a MsgBuyDirect carrying the given orders and
// submits it in sync mode. A non-zero result code is returned in the
// BroadcastResult, not as an error: the caller decides how to react to
// chain-side rejections.
func (c *Client) SignAndBroadcast(ctx context.Context, orders []BuyDirectOrder, memo string) (*BroadcastResult, error) {
	if c.wallet == nil {
		return nil, fmt.Errorf("no wallet configured")
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("no orders to broadcast")
	}

	c.signMu.Lock()
	defer c.signMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.broadcastTimeout)
	defer cancel()

	accountNumber, sequence, err := c.accountInfo(ctx, c.wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account info: %w", err)
	}

	msg := encodeAny(buyDirectTypeURL, encodeMsgBuyDirect(c.wallet.Address(), orders))
	bodyBytes := encodeTxBody([][]byte{msg}, memo)

	pubKeyAny := encodeAny(secpPubKeyURL, encodeSecpPubKey(c.wallet.PubKeyCompressed()))
	signerInfo := encodeSignerInfo(pubKeyAny, sequence)
	fee := encodeFee(c.feeDenom, c.feeAmount, c.gasLimit)
	authInfoBytes := encodeAuthInfo(signerInfo, fee)

	signDoc := encodeSignDoc(bodyBytes, authInfoBytes, c.chainID, accountNumber)
	signature := c.wallet.Sign(signDoc)
	txRaw := encodeTxRaw(bodyBytes, authInfoBytes, signature)

	payload, err := json.Marshal(map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(txRaw),
		"mode":     "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode broadcast payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restURL+"/cosmos/tx/v1beta1/txs", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("broadcast failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("failed to read broadcast response: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return nil, &RetryableError{Err: fmt.Errorf("broadcast returned status %d: %s", resp.StatusCode, truncate(body, 256))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broadcast returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var br struct {
		TxResponse struct {
			Code   uint32 `json:"code"`
			TxHash string `json:"txhash"`
			Height string `json:"height"`
			RawLog string `json:"raw_log"`
		} `json:"tx_response"`
	}
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast response: %w", err)
	}

	height, _ := strconv.ParseInt(br.TxResponse.Height, 10, 64)
	result := &BroadcastResult{
		Code:   br.TxResponse.Code,
		TxHash: br.TxResponse.TxHash,
		Height: height,
		RawLog: br.TxResponse.RawLog,
	}

	evt := c.log.Info()
	if result.Code != 0 {
		evt = c.log.Warn()
	}
	evt.Uint32("code", result.Code).
		Str("tx_hash", result.TxHash).
		Int("orders", len(orders)).
		Msg("Broadcast complete")

	return result, nil
}
