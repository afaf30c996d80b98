package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/chain"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/metrics"
	"github.com/zjoart/agrimarket-wallet/internal/vault"
	"github.com/zjoart/agrimarket-wallet/pkg/id"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

var (
	ErrAmountTooSmall   = errors.New("amount is below the minimum")
	ErrInvalidRecipient = errors.New("recipient must be a wallet id or address")
	ErrNoOnChainWallet  = errors.New("wallet has no on-chain address")
	ErrKeyMismatch      = errors.New("stored key does not match wallet address")
	ErrUnknownTransfer  = errors.New("unknown transfer type")
	ErrInvalidAsset     = errors.New("asset must be TOKEN or ETH")
	ErrInvalidProofURL  = errors.New("payment proof must be an absolute URL")
)

// ChainClient is the part of chain.Client the service depends on.
type ChainClient interface {
	Network() string
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SendTransaction(ctx context.Context, privateKeyHex, to string, amount decimal.Decimal) (*chain.SentTransaction, error)
	RecentActivity(ctx context.Context, address string, window uint64) ([]chain.Activity, error)
}

type Encrypter interface {
	Encrypt(plaintext, scope string) (string, error)
	Decrypt(ciphertext, scope string) (string, error)
}

// Locker guards a wallet's reconciliation across processes.
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (func(), error)
}

type Config struct {
	StartingTokenBalance decimal.Decimal
	ReconcileBlockWindow uint64
	MinTransferAmount    decimal.Decimal
	USDTRate             decimal.Decimal
	LocalCurrency        string
}

type Service struct {
	repo     ledger.Repository
	chain    ChainClient
	vault    Encrypter
	notifier *balance.Notifier
	locker   Locker
	cfg      Config

	generateKeys func() (*chain.KeyPair, error)
}

func NewService(repo ledger.Repository, chainClient ChainClient, v Encrypter, notifier *balance.Notifier, cfg Config) *Service {
	if cfg.ReconcileBlockWindow == 0 {
		cfg.ReconcileBlockWindow = chain.DefaultBlockWindow
	}
	if cfg.LocalCurrency == "" {
		cfg.LocalCurrency = "INR"
	}
	return &Service{
		repo:         repo,
		chain:        chainClient,
		vault:        v,
		notifier:     notifier,
		cfg:          cfg,
		generateKeys: chain.GenerateKeyPair,
	}
}

func (s *Service) WithLocker(l Locker) *Service {
	s.locker = l
	return s
}

// Identity is a wallet's on-chain identity. PrivateKey and Mnemonic are
// plaintext; Created is set when this call generated them.
type Identity struct {
	WalletID     uuid.UUID       `json:"wallet_id"`
	Address      string          `json:"address"`
	PrivateKey   string          `json:"-"`
	Mnemonic     string          `json:"-"`
	TokenBalance decimal.Decimal `json:"token_balance"`
	Network      string          `json:"network"`
	Created      bool            `json:"created"`
}

// GetOrCreateWallet returns the user's wallet identity, creating the ledger
// row and key material as needed. Concurrent callers for the same user all
// observe the same address.
func (s *Service) GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (*Identity, error) {
	w, err := s.repo.GetWalletByUserID(ctx, userID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return s.createWallet(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	if !w.HasKeyMaterial() {
		return s.attachKeys(ctx, w)
	}

	return s.openIdentity(w)
}

func (s *Service) createWallet(ctx context.Context, userID uuid.UUID) (*Identity, error) {
	keys, material, err := s.newKeyMaterial(userID)
	if err != nil {
		return nil, err
	}

	w := &ledger.Wallet{
		UserID:              userID,
		WalletAddress:       &material.Address,
		EncryptedPrivateKey: &material.EncryptedPrivateKey,
		EncryptedMnemonic:   &material.EncryptedMnemonic,
		KeyVersion:          material.KeyVersion,
		TokenBalance:        s.cfg.StartingTokenBalance,
		Network:             s.chain.Network(),
	}

	created, err := s.repo.CreateWallet(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	if !created {
		// another request created the wallet first
		existing, err := s.repo.GetWalletByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !existing.HasKeyMaterial() {
			return s.attachKeys(ctx, existing)
		}
		return s.openIdentity(existing)
	}

	logger.Info("Wallet created", logger.Fields{
		logger.UserIdKey:   userID.String(),
		logger.WalletIdKey: w.ID.String(),
		logger.AddressKey:  material.Address,
	})

	return &Identity{
		WalletID:     w.ID,
		Address:      keys.Address,
		PrivateKey:   keys.PrivateKey,
		Mnemonic:     keys.Mnemonic,
		TokenBalance: w.TokenBalance,
		Network:      w.Network,
		Created:      true,
	}, nil
}

func (s *Service) attachKeys(ctx context.Context, w *ledger.Wallet) (*Identity, error) {
	keys, material, err := s.newKeyMaterial(w.UserID)
	if err != nil {
		return nil, err
	}

	attached, err := s.repo.AttachKeyMaterial(ctx, w.ID, material)
	if err != nil {
		return nil, fmt.Errorf("failed to attach key material: %w", err)
	}

	if !attached {
		winner, err := s.repo.GetWalletByID(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		return s.openIdentity(winner)
	}

	logger.Info("Key material attached to existing wallet", logger.Fields{
		logger.UserIdKey:   w.UserID.String(),
		logger.WalletIdKey: w.ID.String(),
		logger.AddressKey:  material.Address,
	})

	return &Identity{
		WalletID:     w.ID,
		Address:      keys.Address,
		PrivateKey:   keys.PrivateKey,
		Mnemonic:     keys.Mnemonic,
		TokenBalance: w.TokenBalance,
		Network:      w.Network,
		Created:      true,
	}, nil
}

func (s *Service) newKeyMaterial(userID uuid.UUID) (*chain.KeyPair, ledger.KeyMaterial, error) {
	keys, err := s.generateKeys()
	if err != nil {
		return nil, ledger.KeyMaterial{}, fmt.Errorf("failed to generate keys: %w", err)
	}

	scope := userID.String()

	encKey, err := s.vault.Encrypt(keys.PrivateKey, scope)
	if err != nil {
		return nil, ledger.KeyMaterial{}, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	encMnemonic, err := s.vault.Encrypt(keys.Mnemonic, scope)
	if err != nil {
		return nil, ledger.KeyMaterial{}, fmt.Errorf("failed to encrypt mnemonic: %w", err)
	}

	return keys, ledger.KeyMaterial{
		Address:             keys.Address,
		EncryptedPrivateKey: encKey,
		EncryptedMnemonic:   encMnemonic,
		KeyVersion:          vault.KeyVersionHKDF,
	}, nil
}

func (s *Service) openIdentity(w *ledger.Wallet) (*Identity, error) {
	privateKey, mnemonic, err := s.decryptKeys(w)
	if err != nil {
		return nil, err
	}

	return &Identity{
		WalletID:     w.ID,
		Address:      w.Address(),
		PrivateKey:   privateKey,
		Mnemonic:     mnemonic,
		TokenBalance: w.TokenBalance,
		Network:      w.Network,
	}, nil
}

func (s *Service) decryptKeys(w *ledger.Wallet) (string, string, error) {
	if !w.HasKeyMaterial() || w.EncryptedPrivateKey == nil || w.EncryptedMnemonic == nil {
		return "", "", ErrNoOnChainWallet
	}

	scope := w.UserID.String()

	privateKey, err := s.vault.Decrypt(*w.EncryptedPrivateKey, scope)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt private key: %w", err)
	}

	mnemonic, err := s.vault.Decrypt(*w.EncryptedMnemonic, scope)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt mnemonic: %w", err)
	}

	derived, err := chain.AddressFromPrivateKey(privateKey)
	if err != nil {
		return "", "", err
	}
	if !chain.SameAddress(derived, w.Address()) {
		return "", "", ErrKeyMismatch
	}

	return privateKey, mnemonic, nil
}

func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*ledger.Wallet, error) {
	return s.repo.GetWalletByUserID(ctx, userID)
}

// GetBalance returns the ledger TOKEN balance or the on-chain ETH balance
// of the user's wallet.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, asset balance.Asset) (decimal.Decimal, error) {
	if !asset.Valid() {
		return decimal.Zero, ErrInvalidAsset
	}

	w, err := s.repo.GetWalletByUserID(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	if asset == balance.AssetToken {
		s.publishToken(w.ID, w.TokenBalance)
		return w.TokenBalance, nil
	}

	if !w.HasKeyMaterial() {
		return decimal.Zero, ErrNoOnChainWallet
	}
	return s.chain.GetBalance(ctx, w.Address())
}

func (s *Service) publishToken(walletID uuid.UUID, amount decimal.Decimal) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(balance.Update{
		Key:     walletID.String(),
		Asset:   balance.AssetToken,
		Balance: amount,
		At:      time.Now().UTC(),
	})
}

func (s *Service) checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}
	if amount.LessThan(s.cfg.MinTransferAmount) {
		return ErrAmountTooSmall
	}
	return nil
}

func normalizeHash(hash string) string {
	return strings.ToLower(hash)
}

func newTransferReference() string {
	return id.Reference("TRF")
}

func recordTransfer(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Transfers.WithLabelValues(kind, status).Inc()
}
