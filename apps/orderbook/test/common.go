package test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	EthereumChainID = 1

	// Seaport 1.5 on mainnet.
	SeaportAddress = "0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC"

	UnknownOrderHash = "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
)

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ChainStatus mirrors one entry of GET /api/poller/status.
type ChainStatus struct {
	ChainID                   int64   `json:"chainId"`
	LatestBlock               uint64  `json:"latestBlock"`
	LastPolledBlock           uint64  `json:"lastPolledBlock"`
	Batch                     uint64  `json:"batch"`
	CatchupLatestBlockSeconds float64 `json:"catchupLatestBlockSeconds"`
}

// baseURL points the suite at a running server. The suite is skipped without it.
func baseURL(t *testing.T) string {
	url := os.Getenv("ORDERBOOK_BASE_URL")
	if url == "" {
		t.Skip("ORDERBOOK_BASE_URL not set")
	}
	return url
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	reqBody, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
