package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gasless "github.com/x402-bsc/gasless-relay"
	"github.com/x402-bsc/gasless-relay/config"
	"github.com/x402-bsc/gasless-relay/eip712"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBackend struct {
	facilitator    common.Address
	nativeBalance  *big.Int
	tokenBalance   *big.Int
	allowance      *big.Int
	nonceUsed      bool
	gasUnits       uint64
	gasPrice       *big.Int
	receiptFn      func(txHash common.Hash) (*gasless.Receipt, error)
	submittedHash  common.Hash
	submitErr      error
	estimatePermit bool
}

func (f *fakeBackend) FacilitatorAddress() common.Address { return f.facilitator }

func (f *fakeBackend) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if f.nativeBalance != nil {
		return f.nativeBalance, nil
	}
	return big.NewInt(1e18), nil
}

func (f *fakeBackend) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if f.tokenBalance != nil {
		return f.tokenBalance, nil
	}
	return new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)), nil
}

func (f *fakeBackend) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if f.allowance != nil {
		return f.allowance, nil
	}
	return new(big.Int).Set(gasless.MaxUint256), nil
}

func (f *fakeBackend) AuthorizationState(ctx context.Context, from common.Address, nonce [32]byte) (bool, error) {
	return f.nonceUsed, nil
}

func (f *fakeBackend) PermitNonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice != nil {
		return f.gasPrice, nil
	}
	return big.NewInt(3e9), nil
}

func (f *fakeBackend) EstimateTransferGas(ctx context.Context, from, to common.Address, amount *big.Int, withPermit bool) (uint64, error) {
	f.estimatePermit = withPermit
	if f.gasUnits != 0 {
		return f.gasUnits, nil
	}
	return 100000, nil
}

func (f *fakeBackend) SubmitTransfer(ctx context.Context, auth gasless.TransferAuthorization, combined []byte, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.submittedHash = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000009")
	return f.submittedHash, nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gasless.Receipt, error) {
	if f.receiptFn != nil {
		return f.receiptFn(txHash)
	}
	return &gasless.Receipt{Status: gasless.ReceiptStatusSuccess, BlockNumber: 41234567, GasUsed: 98000}, nil
}

type fixedPrice float64

func (p fixedPrice) BNBPrice(ctx context.Context) float64 { return float64(p) }

func testServer(t *testing.T, backend *fakeBackend) *Server {
	t.Helper()
	network, err := config.NetworkByName(config.NetworkMainnet)
	require.NoError(t, err)
	relay := gasless.NewRelay(backend, gasless.RelayConfig{
		WrapperDomain:  network.WrapperDomain,
		SupportsPermit: network.SupportsPermit,
		Poll:           gasless.PollPolicy{Interval: time.Millisecond, MaxAttempts: 3},
	})
	return NewServer(relay, backend, network, fixedPrice(600))
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// signedBody builds a fully signed transfer request body for the mainnet
// wrapper domain.
func signedBody(t *testing.T, amount string) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	network, err := config.NetworkByName(config.NetworkMainnet)
	require.NoError(t, err)

	value, err := gasless.ParseUnits(amount, gasless.TokenDecimals)
	require.NoError(t, err)

	var nonce [32]byte
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	validAfter := uint64(time.Now().Add(-time.Minute).Unix())
	validBefore := uint64(time.Now().Add(time.Hour).Unix())

	msg := eip712.TransferMessage(from, to, value, validAfter, validBefore, nonce)
	digest, err := eip712.Hash(network.WrapperDomain, eip712.TransferTypes, eip712.TypeTransferWithAuthorization, msg)
	require.NoError(t, err)
	sig, err := eip712.SignDigest(digest, key)
	require.NoError(t, err)

	body := fmt.Sprintf(`{
		"from": %q,
		"to": %q,
		"amount": %q,
		"transfer": {
			"validAfter": %d,
			"validBefore": %d,
			"nonce": %q,
			"v": %d,
			"r": %q,
			"s": %q
		}
	}`, from.Hex(), to.Hex(), amount, validAfter, validBefore,
		"0x"+common.Bytes2Hex(nonce[:]), sig.V,
		"0x"+common.Bytes2Hex(sig.R[:]), "0x"+common.Bytes2Hex(sig.S[:]))
	return body, from
}

func TestTransferEndToEnd(t *testing.T) {
	backend := &fakeBackend{}
	s := testServer(t, backend)
	body, from := signedBody(t, "1.5")

	w := doRequest(t, s, http.MethodPost, "/api/gasless/transfer", body)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeEnvelope(t, w)
	assert.Equal(t, true, out["success"])
	data := out["data"].(map[string]interface{})
	assert.Equal(t, backend.submittedHash.Hex(), data["txHash"])
	assert.Equal(t, from.Hex(), data["from"])
	assert.Equal(t, "1.5", data["amount"])
	assert.Contains(t, data["explorer"], "bscscan.com/tx/")
}

func TestTransferSchemaRejection(t *testing.T) {
	s := testServer(t, &fakeBackend{})

	cases := map[string]string{
		"missing transfer": `{"from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","amount":"1"}`,
		"bad address":      `{"from":"nope","to":"0x2222222222222222222222222222222222222222","amount":"1","transfer":{"validAfter":0,"validBefore":1,"nonce":"0x0000000000000000000000000000000000000000000000000000000000000001","v":27,"r":"0x0000000000000000000000000000000000000000000000000000000000000001","s":"0x0000000000000000000000000000000000000000000000000000000000000001"}}`,
		"not json":         `{"from":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodPost, "/api/gasless/transfer", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestTransferInvalidSignatureIs401(t *testing.T) {
	s := testServer(t, &fakeBackend{})
	// Bump validBefore after signing so the signature no longer matches.
	body, _ := signedBody(t, "1.5")
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &parsed))
	transfer := parsed["transfer"].(map[string]interface{})
	transfer["validBefore"] = transfer["validBefore"].(float64) + 1
	mutated, err := json.Marshal(parsed)
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodPost, "/api/gasless/transfer", string(mutated))
	assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
	out := decodeEnvelope(t, w)
	assert.Equal(t, gasless.CodeInvalidSignature, out["code"])
}

func TestTransferNonceConflict(t *testing.T) {
	s := testServer(t, &fakeBackend{nonceUsed: true})
	body, _ := signedBody(t, "1.5")

	w := doRequest(t, s, http.MethodPost, "/api/gasless/transfer", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	out := decodeEnvelope(t, w)
	assert.Equal(t, gasless.CodeNonceAlreadyUsed, out["code"])
}

func TestTransferFacilitatorGasIs503(t *testing.T) {
	s := testServer(t, &fakeBackend{nativeBalance: big.NewInt(1)})
	body, _ := signedBody(t, "1.5")

	w := doRequest(t, s, http.MethodPost, "/api/gasless/transfer", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	out := decodeEnvelope(t, w)
	assert.Equal(t, gasless.CodeFacilitatorInsufficient, out["code"])
}

func TestTransferTimeoutIsAccepted(t *testing.T) {
	backend := &fakeBackend{
		receiptFn: func(txHash common.Hash) (*gasless.Receipt, error) { return nil, nil },
	}
	s := testServer(t, backend)
	body, _ := signedBody(t, "1.5")

	w := doRequest(t, s, http.MethodPost, "/api/gasless/transfer", body)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	out := decodeEnvelope(t, w)
	assert.Equal(t, true, out["success"])
	data := out["data"].(map[string]interface{})
	assert.Equal(t, "pending", data["status"])
	assert.NotEmpty(t, data["txHash"])
}

func TestEstimateDefaultsToPermit(t *testing.T) {
	backend := &fakeBackend{gasUnits: 100000}
	s := testServer(t, backend)

	body := `{"from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","amount":"1"}`
	w := doRequest(t, s, http.MethodPost, "/api/gasless/estimate", body)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeEnvelope(t, w)
	data := out["data"].(map[string]interface{})
	assert.Equal(t, true, data["hasPermit"])
	assert.True(t, backend.estimatePermit)
	assert.Equal(t, "120000", data["gasUnits"], "margin is applied")
	assert.Equal(t, "3 gwei", data["gasPrice"])
	assert.Equal(t, "mainnet", data["network"])

	// 120000 units * 3 gwei = 0.00036 BNB; at 600 USD/BNB that is 0.216 USD.
	assert.Equal(t, "0.00036", data["totalCostBNB"])
	assert.Equal(t, "0.2160", data["totalCostUSD"])
}

func TestEstimateHasPermitOptOut(t *testing.T) {
	backend := &fakeBackend{}
	s := testServer(t, backend)

	body := `{"from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","amount":"1","hasPermit":false}`
	w := doRequest(t, s, http.MethodPost, "/api/gasless/estimate", body)
	assert.Equal(t, http.StatusOK, w.Code)

	out := decodeEnvelope(t, w)
	data := out["data"].(map[string]interface{})
	assert.Equal(t, false, data["hasPermit"])
	assert.False(t, backend.estimatePermit)
}

func TestEstimateRejectsBadInput(t *testing.T) {
	s := testServer(t, &fakeBackend{})

	w := doRequest(t, s, http.MethodPost, "/api/gasless/estimate",
		`{"from":"bad","to":"0x2222222222222222222222222222222222222222","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/gasless/estimate",
		`{"from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","amount":"-3"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	hash := "0xabc0000000000000000000000000000000000000000000000000000000000001"

	t.Run("confirmed", func(t *testing.T) {
		s := testServer(t, &fakeBackend{})
		w := doRequest(t, s, http.MethodGet, "/api/gasless/status/"+hash, "")
		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeEnvelope(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "success", data["status"])
		assert.Equal(t, "Transaction confirmed", data["message"])
		assert.Equal(t, float64(41234567), data["blockNumber"])
	})

	t.Run("pending", func(t *testing.T) {
		s := testServer(t, &fakeBackend{
			receiptFn: func(txHash common.Hash) (*gasless.Receipt, error) { return nil, nil },
		})
		w := doRequest(t, s, http.MethodGet, "/api/gasless/status/"+hash, "")
		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeEnvelope(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "pending", data["status"])
	})

	t.Run("failed", func(t *testing.T) {
		s := testServer(t, &fakeBackend{
			receiptFn: func(txHash common.Hash) (*gasless.Receipt, error) {
				return &gasless.Receipt{Status: gasless.ReceiptStatusFailed, BlockNumber: 9}, nil
			},
		})
		w := doRequest(t, s, http.MethodGet, "/api/gasless/status/"+hash, "")
		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeEnvelope(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "failed", data["status"])
	})

	t.Run("malformed hash", func(t *testing.T) {
		s := testServer(t, &fakeBackend{})
		w := doRequest(t, s, http.MethodGet, "/api/gasless/status/0x123", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBalanceEndpoint(t *testing.T) {
	balance, _ := gasless.ParseUnits("42.5", gasless.TokenDecimals)
	s := testServer(t, &fakeBackend{tokenBalance: balance})

	w := doRequest(t, s, http.MethodGet, "/api/gasless/balance/0x1111111111111111111111111111111111111111", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "42.5", data["balance"])
	assert.Equal(t, "42.50 USD1", data["formatted"])

	w = doRequest(t, s, http.MethodGet, "/api/gasless/balance/nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPermitDataEndpoint(t *testing.T) {
	s := testServer(t, &fakeBackend{})

	w := doRequest(t, s, http.MethodGet, "/api/gasless/permit/0x1111111111111111111111111111111111111111", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "0", data["nonce"])
	assert.Equal(t, "0x6F212f443Ba6BD5aeeF87e37DEe2480F95b75a36", data["spender"])
	domain := data["domain"].(map[string]interface{})
	assert.Equal(t, "World Liberty Financial USD", domain["name"])
	assert.Equal(t, float64(56), domain["chainId"])

	w = doRequest(t, s, http.MethodGet, "/api/gasless/permit/nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	facilitator := common.HexToAddress("0x4444444444444444444444444444444444444444")

	t.Run("funded", func(t *testing.T) {
		s := testServer(t, &fakeBackend{facilitator: facilitator})
		w := doRequest(t, s, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, w.Code)

		out := decodeEnvelope(t, w)
		assert.Equal(t, "ok", out["status"])
		assert.Equal(t, "mainnet", out["network"])
		fac := out["facilitator"].(map[string]interface{})
		assert.Equal(t, facilitator.Hex(), fac["address"])
		assert.Equal(t, true, fac["hasMinimumBalance"])
		contracts := out["contracts"].(map[string]interface{})
		assert.Equal(t, "0x8d0D000Ee44948FC98c9B98A4FA4921476f08B0d", contracts["usd1"])
	})

	t.Run("underfunded", func(t *testing.T) {
		s := testServer(t, &fakeBackend{facilitator: facilitator, nativeBalance: big.NewInt(1)})
		w := doRequest(t, s, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
		fac := decodeEnvelope(t, w)["facilitator"].(map[string]interface{})
		assert.Equal(t, false, fac["hasMinimumBalance"])
	})
}

func TestRequestIDHeader(t *testing.T) {
	s := testServer(t, &fakeBackend{})
	w := doRequest(t, s, http.MethodGet, "/api/health", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "caller-supplied", w.Header().Get("X-Request-ID"))
}
