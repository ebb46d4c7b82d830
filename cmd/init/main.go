package main

import (
	"context"
	"crypto/ecdsa"
	"log"
	"os"
	"strings"

	"unit/intents/internal/config"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// init puts the relayer hot wallet into the keystore: RELAYER_PRIVATE_KEY is imported
// when set, otherwise a fresh key is generated. Set RELAYER_ADDRESS to the printed address.
func main() {
	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("failed to load env: %v", err)
	}
	keyStore, err := stores.NewLocalKeyStore(env.KeystorePassword, env.KeystoreDir)
	if err != nil {
		log.Fatalf("failed to open key store: %v", err)
	}

	var addr common.Address
	if raw := os.Getenv("RELAYER_PRIVATE_KEY"); raw != "" {
		var privateKey *ecdsa.PrivateKey
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			log.Fatalf("invalid RELAYER_PRIVATE_KEY: %v", err)
		}
		addr = crypto.PubkeyToAddress(privateKey.PublicKey)
		if keyStore.HasKey(context.Background(), addr) {
			log.Printf("relayer key already present, address %s", addr.Hex())
			return
		}
		addr, err = keyStore.ImportECDSA(privateKey)
	} else {
		addr, err = keyStore.CreateKey(context.Background())
	}
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}

	log.Printf("relayer key ready, address %s", addr.Hex())
}
