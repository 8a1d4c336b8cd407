package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The indexer is a GraphQL view over chain history. Retirements show up
// there a few blocks after the purchase lands, so verification polls.

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// flexInt64 accepts both JSON numbers and quoted numbers; the indexer
// serializes bigints as strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt64(v)
	return nil
}

type retirementWire struct {
	NodeID       string    `json:"nodeId"`
	Amount       string    `json:"amount"`
	BatchDenom   string    `json:"batchDenom"`
	Owner        string    `json:"owner"`
	Jurisdiction string    `json:"jurisdiction"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
	TxHash       string    `json:"txHash"`
	BlockHeight  flexInt64 `json:"blockHeight"`
}

func (w retirementWire) toRetirement() *Retirement {
	return &Retirement{
		NodeID:       w.NodeID,
		Amount:       w.Amount,
		BatchDenom:   w.BatchDenom,
		Owner:        w.Owner,
		Jurisdiction: w.Jurisdiction,
		Reason:       w.Reason,
		Timestamp:    w.Timestamp,
		TxHash:       w.TxHash,
		BlockHeight:  int64(w.BlockHeight),
	}
}

const retirementFields = `nodeId amount batchDenom owner jurisdiction reason timestamp txHash blockHeight`

// queryIndexer posts a GraphQL query and decodes data into out.
func (c *Client) queryIndexer(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	if c.indexerURL == "" {
		return &RetryableError{Err: fmt.Errorf("indexer not configured")}
	}

	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode indexer query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.indexerURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build indexer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("indexer request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("failed to read indexer response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &RetryableError{Err: fmt.Errorf("indexer returned status %d: %s", resp.StatusCode, truncate(body, 256))}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode indexer response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("indexer query failed: %s", envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode indexer data: %w", err)
	}
	return nil
}

// retirementsByTxHash returns the retirements recorded for one transaction.
func (c *Client) retirementsByTxHash(ctx context.Context, txHash string) ([]*Retirement, error) {
	query := fmt.Sprintf(`query ($txHash: String!) {
  allRetirements(condition: {txHash: $txHash}) {
    nodes { %s }
  }
}`, retirementFields)

	var data struct {
		AllRetirements struct {
			Nodes []retirementWire `json:"nodes"`
		} `json:"allRetirements"`
	}
	if err := c.queryIndexer(ctx, query, map[string]interface{}{"txHash": txHash}, &data); err != nil {
		return nil, err
	}

	retirements := make([]*Retirement, 0, len(data.AllRetirements.Nodes))
	for _, w := range data.AllRetirements.Nodes {
		retirements = append(retirements, w.toRetirement())
	}
	return retirements, nil
}

// WaitForRetirement polls the indexer until the retirement for txHash is
// visible or the timeout passes. Timing out is not an error: the caller
// reports the purchase as unverified and the certificate stays fetchable
// later by transaction hash.
func (c *Client) WaitForRetirement(ctx context.Context, txHash string, timeout time.Duration) (*Retirement, error) {
	if c.indexerURL == "" {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	delay := c.pollInterval

	for {
		retirements, err := c.retirementsByTxHash(ctx, txHash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Debug().Err(err).Str("tx_hash", txHash).Msg("Indexer poll failed, retrying")
		} else if len(retirements) > 0 {
			return retirements[0], nil
		}

		if time.Now().After(deadline) {
			c.log.Warn().Str("tx_hash", txHash).Dur("timeout", timeout).Msg("Retirement not indexed before timeout")
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * 1.6)
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
	}
}

// GetRetirement looks a retirement up by certificate node ID, or by
// transaction hash when the ID looks like one.
func (c *Client) GetRetirement(ctx context.Context, id string) (*Retirement, error) {
	if isTxHash(id) {
		retirements, err := c.retirementsByTxHash(ctx, strings.ToUpper(id))
		if err != nil {
			return nil, err
		}
		if len(retirements) == 0 {
			return nil, nil
		}
		return retirements[0], nil
	}

	query := fmt.Sprintf(`query ($nodeId: ID!) {
  retirement(nodeId: $nodeId) { %s }
}`, retirementFields)

	var data struct {
		Retirement *retirementWire `json:"retirement"`
	}
	if err := c.queryIndexer(ctx, query, map[string]interface{}{"nodeId": id}, &data); err != nil {
		return nil, err
	}
	if data.Retirement == nil {
		return nil, nil
	}
	return data.Retirement.toRetirement(), nil
}

// isTxHash reports whether s looks like a 64-char hex transaction hash.
func isTxHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
