package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// m/44'/60'/0'/0/0
var derivationPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

type KeyPair struct {
	Address    string
	PrivateKey string
	Mnemonic   string
}

// GenerateKeyPair creates a 12 word recovery phrase and the first account
// derived from it.
func GenerateKeyPair() (*KeyPair, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return KeyPairFromMnemonic(mnemonic)
}

func KeyPairFromMnemonic(mnemonic string) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	for _, idx := range derivationPath {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	}

	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}

	privateKey := ecPriv.ToECDSA()

	return &KeyPair{
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(privateKey)),
		Mnemonic:   mnemonic,
	}, nil
}

func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// AddressFromPrivateKey returns the checksummed address of privateKeyHex.
func AddressFromPrivateKey(privateKeyHex string) (string, error) {
	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// ChecksumAddress normalises address to its EIP-55 form.
func ChecksumAddress(address string) string {
	return common.HexToAddress(address).Hex()
}
