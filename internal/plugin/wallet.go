package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/httpkit"
)

const (
	lamportsPerSOL   = 1_000_000_000
	walletCacheTTL   = 5 * time.Minute
	walletCacheKey   = "wallet/balance"
	walletQRSize     = 256
	walletRPCTimeout = 15 * time.Second
)

// ErrNoWallet is returned when a character has no wallet public key.
var ErrNoWallet = errors.New("character has no wallet public key")

// Wallet tells an agent its Solana wallet address and, when an RPC
// endpoint is configured, its balance. Runtimes only load it for
// characters with a wallet public key.
type Wallet struct {
	publicKey string
	rpcURL    string
	client    *http.Client
}

// NewWallet builds the wallet plugin for c, or returns ErrNoWallet.
func NewWallet(c character.Character) (*Wallet, error) {
	key := c.Secret(character.SecretWalletPublicKey)
	if key == "" {
		return nil, ErrNoWallet
	}
	return &Wallet{
		publicKey: key,
		rpcURL:    c.Secret(character.SecretSolanaRPCURL),
		client: httpkit.NewClient(
			httpkit.WithTimeout(walletRPCTimeout),
			httpkit.WithRetry(2, time.Second),
		),
	}, nil
}

func (w *Wallet) Name() string        { return "wallet" }
func (w *Wallet) Description() string { return "Solana wallet address and balance" }
func (w *Wallet) Actions() []Action   { return nil }
func (w *Wallet) Services() []Service { return nil }

func (w *Wallet) Providers() []Provider { return []Provider{walletProvider{w: w}} }

// PublicKey returns the wallet address.
func (w *Wallet) PublicKey() string { return w.publicKey }

// QRCode renders the wallet address as a PNG.
func QRCode(publicKey string) ([]byte, error) {
	if publicKey == "" {
		return nil, ErrNoWallet
	}
	png, err := qrcode.Encode("solana:"+publicKey, qrcode.Medium, walletQRSize)
	if err != nil {
		return nil, fmt.Errorf("encode wallet qr: %w", err)
	}
	return png, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type balanceResponse struct {
	Result *struct {
		Value int64 `json:"value"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Balance returns the wallet balance in lamports.
func (w *Wallet) Balance(ctx context.Context) (int64, error) {
	if w.rpcURL == "" {
		return 0, errors.New("no solana rpc url configured")
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getBalance", Params: []any{w.publicKey}})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.rpcURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	defer resp.Body.Close()

	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	if out.Error != nil {
		return 0, fmt.Errorf("get balance: rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil {
		return 0, errors.New("get balance: empty result")
	}
	return out.Result.Value, nil
}

type walletProvider struct {
	w *Wallet
}

func (walletProvider) Name() string { return "wallet" }

func (p walletProvider) Get(ctx context.Context, env Env, _ Message) (string, error) {
	text := fmt.Sprintf("Your Solana wallet address is %s.", p.w.publicKey)
	if p.w.rpcURL == "" {
		return text, nil
	}

	var lamports int64
	hit := false
	if env.Cache != nil {
		hit, _ = env.Cache.Get(ctx, walletCacheKey, &lamports)
	}
	if !hit {
		var err error
		lamports, err = p.w.Balance(ctx)
		if err != nil {
			if env.Logger != nil {
				env.Logger.Warn("wallet balance lookup failed", "error", err)
			}
			return text, nil
		}
		if env.Cache != nil {
			_ = env.Cache.Set(ctx, walletCacheKey, lamports, walletCacheTTL)
		}
	}
	return fmt.Sprintf("%s Its balance is %.4f SOL.", text, float64(lamports)/lamportsPerSOL), nil
}
