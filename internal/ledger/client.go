package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/util"
)

// ClientConfig holds connection settings for the JSON-RPC endpoint(s)
type ClientConfig struct {
	RPCURLs      []string // Tried in order until one connects
	ChainID      int64
	MaxGasPrice  *big.Int // Submissions refuse to go out above this price
	MaxBatchSize int      // eth_call elements per JSON-RPC batch
	CallTimeout  time.Duration
	RetryConfig  *util.RetryConfig
}

// DefaultClientConfig returns defaults for a local development node
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RPCURLs:      []string{"http://127.0.0.1:8545"},
		ChainID:      1,
		MaxGasPrice:  big.NewInt(200e9), // 200 gwei
		MaxBatchSize: 100,
		CallTimeout:  15 * time.Second,
		RetryConfig:  util.DefaultRetryConfig(),
	}
}

// Client is a connection to one JSON-RPC endpoint
type Client struct {
	config  *ClientConfig
	client  *ethclient.Client
	url     string
	chainID *big.Int

	connected bool
	mu        sync.RWMutex
}

// NewClient creates an unconnected client
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.RetryConfig == nil {
		config.RetryConfig = util.DefaultRetryConfig()
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 15 * time.Second
	}
	return &Client{
		config:  config,
		chainID: big.NewInt(config.ChainID),
	}
}

// Connect dials the first reachable endpoint and verifies its chain id.
// A different chain id is ErrScheduleMismatch: every constant read from it
// would belong to another deployment.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.config.RPCURLs) == 0 {
		return errors.New("no RPC URL configured")
	}

	var errs []error
	for _, url := range c.config.RPCURLs {
		client, result := util.RetryWithValue(ctx, c.config.RetryConfig, func() (*ethclient.Client, error) {
			dialCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
			defer cancel()
			cl, err := ethclient.DialContext(dialCtx, url)
			if err != nil {
				return nil, err
			}
			// Dial is lazy for HTTP; force a round trip
			if _, err := cl.ChainID(dialCtx); err != nil {
				cl.Close()
				return nil, err
			}
			return cl, nil
		})
		if result.LastError != nil {
			logging.Warn("RPC endpoint unreachable",
				logging.Component("ledger"),
				"rpc_url", url,
				"attempts", result.Attempts,
				logging.Err(result.LastError))
			errs = append(errs, fmt.Errorf("%s: %w", logging.RedactURL(url), result.LastError))
			continue
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			errs = append(errs, readErr(CallChainID, err))
			continue
		}
		if chainID.Cmp(c.chainID) != 0 {
			client.Close()
			return fmt.Errorf("%w: expected chain %d, endpoint reports %d", ErrScheduleMismatch, c.chainID, chainID)
		}

		c.client = client
		c.url = url
		c.connected = true
		logging.Info("connected to ledger",
			logging.Component("ledger"),
			"rpc_url", url,
			"chain_id", chainID.String())
		return nil
	}

	return fmt.Errorf("failed to connect to any RPC endpoint: %w", errors.Join(errs...))
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.connected = false
}

// IsConnected returns true after a successful Connect
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Eth returns the underlying ethclient
func (c *Client) Eth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// URL returns the endpoint in use
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// ExpectedChainID returns the configured chain id
func (c *Client) ExpectedChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Config returns the client configuration
func (c *Client) Config() *ClientConfig {
	return c.config
}

// PrepareTransactOpts copies opts, binds ctx and caps the gas price
func (c *Client) PrepareTransactOpts(ctx context.Context, opts *bind.TransactOpts) (*bind.TransactOpts, error) {
	if opts == nil {
		return nil, errors.New("no transaction signer configured")
	}
	eth, err := c.Eth()
	if err != nil {
		return nil, err
	}

	prepared := *opts
	prepared.Context = ctx

	if prepared.GasPrice == nil && c.config.MaxGasPrice != nil {
		gasPrice, err := eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		if gasPrice.Cmp(c.config.MaxGasPrice) > 0 {
			return nil, fmt.Errorf("gas price %s exceeds cap %s", gasPrice, c.config.MaxGasPrice)
		}
	}
	return &prepared, nil
}
