package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain oracle source.
type ChainlinkOptions struct {
	RPCURL   string
	Timeout  time.Duration
	MaxBatch int
}

// Chainlink reads USD price feeds. External ids are aggregator contract addresses.
type Chainlink struct {
	opts   ChainlinkOptions
	logger zerolog.Logger

	callerMux sync.Mutex
	caller    ethereum.ContractCaller

	decimalsMux sync.Mutex
	decimals    map[common.Address]uint8
}

// NewChainlink builds a source that dials RPCURL on first use.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return NewChainlinkWithCaller(nil, opts, logger)
}

// NewChainlinkWithCaller uses caller instead of dialing.
func NewChainlinkWithCaller(caller ethereum.ContractCaller, opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 20
	}
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink").Logger(),
		caller:   caller,
		decimals: make(map[common.Address]uint8),
	}
}

func (c *Chainlink) Kind() market.SourceKind { return market.SourceChainlink }

func (c *Chainlink) MaxBatch() int { return c.opts.MaxBatch }

// FetchPrices reads latestRoundData for every feed. Malformed addresses and
// non-positive answers are skipped; an RPC failure aborts the batch.
func (c *Chainlink) FetchPrices(ctx context.Context, ids []string) (map[string]Quote, error) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]Quote, len(ids))
	for _, id := range ids {
		if !common.IsHexAddress(id) {
			c.logger.Warn().Str("feed", id).Msg("invalid feed address skipped")
			continue
		}
		feed := common.HexToAddress(id)

		scale, err := c.feedDecimals(ctx, caller, feed)
		if err != nil {
			return nil, fmt.Errorf("decimals %s: %w", id, err)
		}

		outputs, err := call(ctx, caller, feed, "latestRoundData")
		if err != nil {
			return nil, fmt.Errorf("latestRoundData %s: %w", id, err)
		}
		if len(outputs) != 5 {
			return nil, errors.New("unexpected latestRoundData response")
		}
		answer, ok := outputs[1].(*big.Int)
		if !ok {
			return nil, errors.New("failed to decode latestRoundData answer")
		}
		updatedAt, ok := outputs[3].(*big.Int)
		if !ok {
			return nil, errors.New("failed to decode latestRoundData updatedAt")
		}
		if answer.Sign() <= 0 {
			c.logger.Warn().Str("feed", id).Str("answer", answer.String()).Msg("non-positive oracle answer skipped")
			continue
		}

		q := Quote{Price: decimal.NewFromBigInt(answer, -int32(scale))}
		if updatedAt.IsInt64() && updatedAt.Int64() > 0 {
			q.ObservedAt = time.Unix(updatedAt.Int64(), 0).UTC()
		}
		quotes[id] = q
	}
	return quotes, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, caller ethereum.ContractCaller, feed common.Address) (uint8, error) {
	c.decimalsMux.Lock()
	if d, ok := c.decimals[feed]; ok {
		c.decimalsMux.Unlock()
		return d, nil
	}
	c.decimalsMux.Unlock()

	outputs, err := call(ctx, caller, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.decimalsMux.Lock()
	c.decimals[feed] = d
	c.decimalsMux.Unlock()
	return d, nil
}

func call(ctx context.Context, caller ethereum.ContractCaller, to common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return aggregatorABI.Unpack(method, res)
}

func (c *Chainlink) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	c.callerMux.Lock()
	defer c.callerMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	return client, nil
}

var _ Source = (*Chainlink)(nil)
