package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	gasless "github.com/x402-bsc/gasless-relay"
	"github.com/x402-bsc/gasless-relay/eip712"
)

var txHashPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// transferSchema gates /transfer bodies before any field parsing. It
// checks shape only; semantic checks (addresses, amounts, signatures)
// belong to the relay.
const transferSchema = `{
	"type": "object",
	"required": ["from", "to", "amount", "transfer"],
	"properties": {
		"from": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
		"to": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
		"amount": {"type": "string", "minLength": 1},
		"transfer": {
			"type": "object",
			"required": ["validAfter", "validBefore", "nonce", "v", "r", "s"],
			"properties": {
				"validAfter": {"type": "integer", "minimum": 0},
				"validBefore": {"type": "integer", "minimum": 0},
				"nonce": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"},
				"v": {"type": "integer"},
				"r": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"},
				"s": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"}
			}
		},
		"permit": {
			"type": "object",
			"required": ["deadline", "v", "r", "s"],
			"properties": {
				"deadline": {"type": "integer", "minimum": 0},
				"v": {"type": "integer"},
				"r": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"},
				"s": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"}
			}
		}
	}
}`

var transferSchemaLoader = gojsonschema.NewStringLoader(transferSchema)

type signatureDTO struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

type transferDTO struct {
	ValidAfter  uint64 `json:"validAfter"`
	ValidBefore uint64 `json:"validBefore"`
	Nonce       string `json:"nonce"`
	signatureDTO
}

type permitDTO struct {
	Deadline uint64 `json:"deadline"`
	signatureDTO
}

type transferBody struct {
	From     string      `json:"from"`
	To       string      `json:"to"`
	Amount   string      `json:"amount"`
	Transfer transferDTO `json:"transfer"`
	Permit   *permitDTO  `json:"permit"`
}

func (d signatureDTO) toSignature() (eip712.Signature, error) {
	r, err := parseWord(d.R)
	if err != nil {
		return eip712.Signature{}, fmt.Errorf("bad r: %w", err)
	}
	s, err := parseWord(d.S)
	if err != nil {
		return eip712.Signature{}, fmt.Errorf("bad s: %w", err)
	}
	v := d.V
	if v < 27 {
		v += 27
	}
	return eip712.Signature{V: v, R: r, S: s}, nil
}

func parseWord(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func (s *Server) handleTransfer(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		respondErr(c, http.StatusBadRequest, "malformed_body", "failed to read request body")
		return
	}

	result, err := gojsonschema.Validate(transferSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		respondErr(c, http.StatusBadRequest, "malformed_body", "request body is not valid JSON")
		return
	}
	if !result.Valid() {
		respondErr(c, http.StatusBadRequest, "malformed_body", schemaErrors(result))
		return
	}

	var body transferBody
	if err := json.Unmarshal(raw, &body); err != nil {
		respondErr(c, http.StatusBadRequest, "malformed_body", err.Error())
		return
	}

	req, err := s.buildRequest(&body)
	if err != nil {
		respondErr(c, http.StatusBadRequest, "malformed_body", err.Error())
		return
	}

	res, err := s.relay.Execute(c.Request.Context(), req)
	if err != nil {
		// A confirmation timeout still has a submitted transaction; report
		// it as accepted rather than failed.
		if gerr, ok := gasless.AsError(err); ok && gerr.Kind == gasless.KindConfirmationTimeout && res != nil {
			c.JSON(http.StatusAccepted, envelope{Success: true, Data: gin.H{
				"txHash":   res.TxHash.Hex(),
				"status":   "pending",
				"message":  "Transaction submitted but not yet confirmed",
				"explorer": s.network.ExplorerLink(res.TxHash),
			}})
			return
		}
		respondRelayErr(c, err)
		return
	}

	respondOK(c, gin.H{
		"txHash":      res.TxHash.Hex(),
		"blockNumber": res.BlockNumber,
		"gasUsed":     strconv.FormatUint(res.GasUsed, 10),
		"from":        body.From,
		"to":          body.To,
		"amount":      body.Amount,
		"explorer":    s.network.ExplorerLink(res.TxHash),
	})
}

func (s *Server) buildRequest(body *transferBody) (*gasless.TransferRequest, error) {
	amount, err := gasless.ParseUnits(body.Amount, gasless.TokenDecimals)
	if err != nil {
		return nil, err
	}
	nonce, err := parseWord(body.Transfer.Nonce)
	if err != nil {
		return nil, fmt.Errorf("bad nonce: %w", err)
	}
	transferSig, err := body.Transfer.toSignature()
	if err != nil {
		return nil, err
	}

	from := common.HexToAddress(body.From)
	to := common.HexToAddress(body.To)

	req := &gasless.TransferRequest{
		From:   from,
		To:     to,
		Amount: amount,
		Transfer: gasless.TransferAuthorization{
			From:        from,
			To:          to,
			Value:       amount,
			ValidAfter:  body.Transfer.ValidAfter,
			ValidBefore: body.Transfer.ValidBefore,
			Nonce:       nonce,
			Signature:   transferSig,
		},
	}

	if body.Permit != nil {
		permitSig, err := body.Permit.toSignature()
		if err != nil {
			return nil, err
		}
		req.Permit = &gasless.PermitAuthorization{
			Owner:     from,
			Spender:   s.network.Wrapper,
			Value:     amount,
			Deadline:  body.Permit.Deadline,
			Signature: permitSig,
		}
	}
	return req, nil
}

type estimateBody struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	HasPermit *bool  `json:"hasPermit"`
}

func (s *Server) handleEstimate(c *gin.Context) {
	var body estimateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, http.StatusBadRequest, "malformed_body", "request body is not valid JSON")
		return
	}
	if !common.IsHexAddress(body.From) || !common.IsHexAddress(body.To) {
		respondErr(c, http.StatusBadRequest, gasless.CodeInvalidAddress, "Invalid address format")
		return
	}
	amount, err := gasless.ParseUnits(body.Amount, gasless.TokenDecimals)
	if err != nil || amount.Sign() <= 0 {
		respondErr(c, http.StatusBadRequest, gasless.CodeInvalidAmount, "Invalid amount")
		return
	}

	// Permit is assumed available unless the caller opts out or the
	// network cannot support it.
	hasPermit := (body.HasPermit == nil || *body.HasPermit) && s.network.SupportsPermit

	ctx := c.Request.Context()
	units, err := s.backend.EstimateTransferGas(ctx, common.HexToAddress(body.From), common.HexToAddress(body.To), amount, hasPermit)
	if err != nil {
		respondRelayErr(c, err)
		return
	}
	units = gasless.ApplyGasMargin(units)

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		respondRelayErr(c, err)
		return
	}

	costWei := new(big.Int).Mul(new(big.Int).SetUint64(units), gasPrice)
	costBNB := gasless.FormatUnits(costWei, 18)
	bnbUSD := s.prices.BNBPrice(ctx)
	costBNBFloat, _ := new(big.Float).SetInt(costWei).Float64()
	costUSD := costBNBFloat / 1e18 * bnbUSD

	respondOK(c, gin.H{
		"gasUnits":     strconv.FormatUint(units, 10),
		"gasPrice":     gasless.FormatUnits(gasPrice, 9) + " gwei",
		"totalCostBNB": costBNB,
		"totalCostUSD": fmt.Sprintf("%.4f", costUSD),
		"bnbPriceUSD":  fmt.Sprintf("%.2f", bnbUSD),
		"hasPermit":    hasPermit,
		"network":      s.network.Name,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	txHash := c.Param("txHash")
	if !txHashPattern.MatchString(txHash) {
		respondErr(c, http.StatusBadRequest, "invalid_tx_hash", "Invalid transaction hash format")
		return
	}

	hash := common.HexToHash(txHash)
	receipt, err := s.backend.TransactionReceipt(c.Request.Context(), hash)
	if err != nil {
		respondRelayErr(c, err)
		return
	}

	data := gin.H{
		"txHash":   txHash,
		"explorer": s.network.ExplorerLink(hash),
	}
	switch {
	case receipt == nil:
		data["status"] = "pending"
		data["message"] = "Transaction is pending"
	case receipt.Status == gasless.ReceiptStatusFailed:
		data["status"] = "failed"
		data["message"] = "Transaction failed"
		data["blockNumber"] = receipt.BlockNumber
	default:
		data["status"] = "success"
		data["message"] = "Transaction confirmed"
		data["blockNumber"] = receipt.BlockNumber
		data["gasUsed"] = strconv.FormatUint(receipt.GasUsed, 10)
	}
	respondOK(c, data)
}

func (s *Server) handleBalance(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		respondErr(c, http.StatusBadRequest, gasless.CodeInvalidAddress, "Invalid address format")
		return
	}

	balance, err := s.backend.TokenBalance(c.Request.Context(), common.HexToAddress(address))
	if err != nil {
		respondRelayErr(c, err)
		return
	}

	human := gasless.FormatUnits(balance, gasless.TokenDecimals)
	respondOK(c, gin.H{
		"address":   address,
		"balance":   human,
		"formatted": fmt.Sprintf("%s USD1", roundTwo(balance)),
	})
}

// handlePermitData returns what a client needs to build an EIP-2612
// permit for the wrapper: the token's nonce counter for the owner, the
// spender and the signing domain.
func (s *Server) handlePermitData(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		respondErr(c, http.StatusBadRequest, gasless.CodeInvalidAddress, "Invalid address format")
		return
	}
	if !s.network.SupportsPermit {
		respondErr(c, http.StatusBadRequest, "permit_unsupported", "This network's token does not support permit")
		return
	}

	nonce, err := s.backend.PermitNonce(c.Request.Context(), common.HexToAddress(address))
	if err != nil {
		respondRelayErr(c, err)
		return
	}

	respondOK(c, gin.H{
		"owner":   address,
		"spender": s.network.Wrapper.Hex(),
		"nonce":   nonce.String(),
		"domain": gin.H{
			"name":              s.network.TokenDomain.Name,
			"version":           s.network.TokenDomain.Version,
			"chainId":           s.network.TokenDomain.ChainID.Uint64(),
			"verifyingContract": s.network.TokenDomain.VerifyingContract.Hex(),
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	facilitator := s.backend.FacilitatorAddress()

	balance, err := s.backend.NativeBalance(ctx, facilitator)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":   false,
			"status":    "error",
			"timestamp": s.now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"status":    "ok",
		"timestamp": s.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		"network":   s.network.Name,
		"facilitator": gin.H{
			"address":           facilitator.Hex(),
			"balance":           gasless.FormatUnits(balance, 18) + " BNB",
			"hasMinimumBalance": balance.Cmp(gasless.DefaultFacilitatorGasFloor) >= 0,
		},
		"contracts": gin.H{
			"usd1":    s.network.Token.Hex(),
			"wrapper": s.network.Wrapper.Hex(),
		},
		"explorer": s.network.Explorer,
	})
}

// roundTwo renders base units with two decimal places for display.
func roundTwo(v *big.Int) string {
	cents := new(big.Int).Quo(v, big.NewInt(1e16))
	whole := new(big.Int).Quo(cents, big.NewInt(100))
	frac := new(big.Int).Mod(cents, big.NewInt(100))
	return fmt.Sprintf("%s.%02d", whole.String(), frac.Int64())
}

func schemaErrors(result *gojsonschema.Result) string {
	if len(result.Errors()) == 0 {
		return "request body failed validation"
	}
	return "invalid request body: " + result.Errors()[0].String()
}
