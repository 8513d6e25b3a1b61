package network

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type nodeKeyDisk struct {
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateNodeKey reads the secp256k1 node key from path, generating and
// persisting a new one if the file does not exist.
func LoadOrCreateNodeKey(path string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("node key path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create node key directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeNodeKey(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read node key file: %w", err)
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	encoded := nodeKeyDisk{PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(key))}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode node key: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist node key: %w", err)
	}
	return key, nil
}

func decodeNodeKey(data []byte) (*ecdsa.PrivateKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("node key file empty")
	}
	// Accept both raw hex (geth nodekey files) and JSON.
	if data[0] != '{' {
		key, err := ethcrypto.HexToECDSA(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse hex node key: %w", err)
		}
		return key, nil
	}

	var stored nodeKeyDisk
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode node key JSON: %w", err)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(stored.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse node key: %w", err)
	}
	return key, nil
}
