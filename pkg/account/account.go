// Package account provides the prefunded accounts a node fixture exposes to tests.
package account

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is a prefunded account of a running node. Keys and address are
// 0x-prefixed hex in the node's own encoding: Stark felts for katana,
// secp256k1 keys and EIP-55 addresses for EVM nodes.
type Account struct {
	Index      int    `json:"index"`
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key,omitempty"`
}

// NewAccountFromHex creates an EVM account from a hex-encoded secp256k1
// private key.
func NewAccountFromHex(index int, hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return &Account{
		Index:      index,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey)),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&privateKey.PublicKey)),
	}, nil
}

// Source selects where a node's accounts come from.
type Source string

const (
	// SourceNone exposes no accounts.
	SourceNone Source = "none"
	// SourceLog reads the prefunded accounts the node prints at startup.
	SourceLog Source = "log"
	// SourceDevKeys uses the well-known development keys (Anvil/Hardhat).
	SourceDevKeys Source = "dev-keys"
)

// ParseSource validates s. Empty means SourceNone.
func ParseSource(s string) (Source, error) {
	switch src := Source(s); src {
	case "":
		return SourceNone, nil
	case SourceNone, SourceLog, SourceDevKeys:
		return src, nil
	default:
		return "", fmt.Errorf("unknown account source: %s", s)
	}
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba", // Account 5
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e", // Account 6
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356", // Account 7
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97", // Account 8
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6", // Account 9
}

// LoadTestAccounts loads the first n standard test accounts.
func LoadTestAccounts(n int) ([]*Account, error) {
	if n < 0 || n > len(TestPrivateKeys) {
		return nil, fmt.Errorf("requested %d dev accounts, only %d available", n, len(TestPrivateKeys))
	}
	accounts := make([]*Account, 0, n)
	for i, hexKey := range TestPrivateKeys[:n] {
		account, err := NewAccountFromHex(i, hexKey)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}
