// The sign command produces a signed transfer authorization ready to
// POST to the facilitator's /api/gasless/transfer endpoint. It is a
// development aid: in production the wallet signs in the browser.
package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	gasless "github.com/x402-bsc/gasless-relay"
	"github.com/x402-bsc/gasless-relay/config"
	"github.com/x402-bsc/gasless-relay/eip712"
)

func main() {
	var (
		keyHex   = flag.String("key", os.Getenv("SENDER_PRIVATE_KEY"), "sender private key (hex)")
		to       = flag.String("to", "", "recipient address")
		amount   = flag.String("amount", "", "amount in USD1, e.g. 1.5")
		network  = flag.String("network", "mainnet", "mainnet or testnet")
		validity = flag.Duration("validity", time.Hour, "how long the authorization stays valid")
	)
	flag.Parse()

	if *keyHex == "" || *to == "" || *amount == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !common.IsHexAddress(*to) {
		log.Fatalf("invalid recipient address %q", *to)
	}

	net, err := config.NetworkByName(*network)
	if err != nil {
		log.Fatal(err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		log.WithError(err).Fatal("invalid private key")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	value, err := gasless.ParseUnits(*amount, gasless.TokenDecimals)
	if err != nil {
		log.WithError(err).Fatal("invalid amount")
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		log.WithError(err).Fatal("failed to generate nonce")
	}

	// Backdate validAfter to absorb clock skew between signer and chain.
	now := time.Now()
	validAfter := uint64(now.Add(-time.Minute).Unix())
	validBefore := uint64(now.Add(*validity).Unix())

	toAddr := common.HexToAddress(*to)
	msg := eip712.TransferMessage(from, toAddr, value, validAfter, validBefore, nonce)
	digest, err := eip712.Hash(net.WrapperDomain, eip712.TransferTypes, eip712.TypeTransferWithAuthorization, msg)
	if err != nil {
		log.WithError(err).Fatal("failed to hash authorization")
	}
	sig, err := eip712.SignDigest(digest, key)
	if err != nil {
		log.WithError(err).Fatal("failed to sign authorization")
	}

	body := map[string]interface{}{
		"from":   from.Hex(),
		"to":     toAddr.Hex(),
		"amount": *amount,
		"transfer": map[string]interface{}{
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       "0x" + common.Bytes2Hex(nonce[:]),
			"v":           sig.V,
			"r":           "0x" + common.Bytes2Hex(sig.R[:]),
			"s":           "0x" + common.Bytes2Hex(sig.S[:]),
		},
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}
