package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// debitScript performs the adjustment + minimum-balance check + debit as a
// single atomic step on the Redis side, so concurrent transfers against the
// same account serialize there. Balances are stored as decimal strings;
// arithmetic runs on them directly since ledger units are integers.
//
// KEYS[1] = balance key
// ARGV[1] = amount, ARGV[2] = adjustment, ARGV[3] = minBalance
// Returns {0|1 rejected, balance string}.
var debitScript = redis.NewScript(`
local balance = redis.call("GET", KEYS[1])
if not balance then balance = "0" end
balance = balance + ARGV[2]
local newBalance = balance - ARGV[1]
if newBalance < tonumber(ARGV[3]) then
  redis.call("SET", KEYS[1], tostring(balance))
  return {1, tostring(balance)}
end
redis.call("SET", KEYS[1], tostring(newBalance))
return {0, tostring(newBalance)}
`)

// creditScript adds ARGV[1] to the balance and returns the new value as a
// string, preserving integer decimal representation.
var creditScript = redis.NewScript(`
local balance = redis.call("GET", KEYS[1])
if not balance then balance = "0" end
local newBalance = balance + ARGV[1]
redis.call("SET", KEYS[1], tostring(newBalance))
return tostring(newBalance)
`)

// RedisStore persists balances in Redis, one key per account.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "balance:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(account string) string {
	return s.keyPrefix + account
}

func (s *RedisStore) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	val, err := s.client.Get(ctx, s.key(account)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance for %s: %w", account, err)
	}
	return decimal.NewFromString(val)
}

func (s *RedisStore) Debit(ctx context.Context, account string, amount, adjustment, minBalance decimal.Decimal) (decimal.Decimal, error) {
	res, err := debitScript.Run(ctx, s.client,
		[]string{s.key(account)},
		amount.String(), adjustment.String(), minBalance.String(),
	).Slice()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit account %s: %w", account, err)
	}
	if len(res) != 2 {
		return decimal.Zero, fmt.Errorf("unexpected debit script result for %s: %v", account, res)
	}

	rejected, _ := res[0].(int64)
	balanceStr, _ := res[1].(string)
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad balance for account %s: %w", account, err)
	}

	if rejected == 1 {
		return balance, transfer.ErrInsufficientBalance(account)
	}
	return balance, nil
}

func (s *RedisStore) Credit(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	res, err := creditScript.Run(ctx, s.client, []string{s.key(account)}, amount.String()).Text()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to credit account %s: %w", account, err)
	}
	return decimal.NewFromString(res)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
