package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	inverrors "github.com/abgdnv/inventory/internal/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace = "inv"
	stockPrefix  = "stock"
	holdPrefix   = "hold"
	cartPrefix   = "cart"
	productHolds = "product_holds"
	expiryIndex  = "holds:expiry"
)

// Script reply codes.
const (
	replyOK = iota
	replyNotFound
	replyRejected
	replyHoldExists
	replyHoldNotFound
)

// luaMutate is shared by every script that touches the counters of a stock hash.
const luaMutate = `
local function mutate(key, mode, q, now)
  if redis.call('EXISTS', key) == 0 then return {1} end
  local v = redis.call('HMGET', key, 'stock', 'reserved')
  local stock, reserved = tonumber(v[1]), tonumber(v[2])
  if mode == 'reserve' then
    if stock - reserved < q then return {2} end
    reserved = reserved + q
  elseif mode == 'release' then
    if reserved < q then return {2} end
    reserved = reserved - q
  elseif mode == 'retire' then
    reserved = reserved - math.min(q, reserved)
  else
    if reserved < q then return {2} end
    stock = stock - q
    reserved = reserved - q
  end
  redis.call('HSET', key, 'stock', stock, 'reserved', reserved, 'updated_at', now)
  return {0, stock, reserved, now}
end
`

var (
	// KEYS: stock. ARGV: mode, quantity, now.
	stockScript = redis.NewScript(luaMutate + `
return mutate(KEYS[1], ARGV[1], tonumber(ARGV[2]), ARGV[3])
`)

	// KEYS: stock. ARGV: stock, now.
	upsertScript = redis.NewScript(`
local stock = tonumber(ARGV[1])
local reserved = 0
if redis.call('EXISTS', KEYS[1]) == 1 then
  reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved'))
  if stock < reserved then return {2} end
end
redis.call('HSET', KEYS[1], 'stock', stock, 'reserved', reserved, 'updated_at', ARGV[2])
return {0, stock, reserved, ARGV[2]}
`)

	// KEYS: stock, product holds, expiry index. ARGV: hold key prefix, cart key prefix.
	deleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then return {1} end
local ids = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(ids) do
  local hk = ARGV[1] .. id
  local cart = redis.call('HGET', hk, 'cart_id')
  if cart then redis.call('SREM', ARGV[2] .. cart, id) end
  redis.call('DEL', hk)
  redis.call('ZREM', KEYS[3], id)
end
redis.call('DEL', KEYS[2])
return {0}
`)

	// KEYS: stock, hold, cart, product holds, expiry index.
	// ARGV: hold id, cart id, product id, quantity, created_at, expires_at, expiry score, now.
	reserveHoldScript = redis.NewScript(luaMutate + `
if redis.call('EXISTS', KEYS[2]) == 1 then return {3} end
local r = mutate(KEYS[1], 'reserve', tonumber(ARGV[4]), ARGV[8])
if r[1] ~= 0 then return r end
redis.call('HSET', KEYS[2], 'cart_id', ARGV[2], 'product_id', ARGV[3], 'quantity', ARGV[4],
  'created_at', ARGV[5], 'expires_at', ARGV[6])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[7], ARGV[1])
return r
`)

	// KEYS: hold, stock, cart, product holds, expiry index. ARGV: mode, hold id, now.
	settleHoldScript = redis.NewScript(luaMutate + `
if redis.call('EXISTS', KEYS[1]) == 0 then return {4} end
local q = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
local r = mutate(KEYS[2], ARGV[1], q, ARGV[3])
if r[1] ~= 0 then return r end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[2])
redis.call('SREM', KEYS[4], ARGV[2])
redis.call('ZREM', KEYS[5], ARGV[2])
return r
`)
)

// RedisStore implements Backend on Redis. Every mutation runs as one Lua script, which Redis
// executes without interleaving other commands. Scripts touch keys derived from a hold's cart and
// product, so the store expects a single Redis instance rather than a cluster.
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisStore creates a new instance of RedisStore.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (r *RedisStore) GetByID(ctx context.Context, id string) (*StockRecord, error) {
	values, err := r.rdb.HGetAll(ctx, stockKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find stock record: %w", err)
	}
	if len(values) == 0 {
		return nil, inverrors.ErrNotFound
	}
	rec := &StockRecord{ID: id}
	if rec.Stock, err = strconv.ParseInt(values["stock"], 10, 64); err != nil {
		return nil, fmt.Errorf("malformed stock of %s: %w", id, err)
	}
	if rec.Reserved, err = strconv.ParseInt(values["reserved"], 10, 64); err != nil {
		return nil, fmt.Errorf("malformed reserved of %s: %w", id, err)
	}
	if rec.UpdatedAt, err = parseNanos(values["updated_at"]); err != nil {
		return nil, fmt.Errorf("malformed updated_at of %s: %w", id, err)
	}
	return rec, nil
}

func (r *RedisStore) CreateOrUpdate(ctx context.Context, id string, stock int64) (*StockRecord, error) {
	reply, err := upsertScript.Run(ctx, r.rdb, []string{stockKey(id)}, stock, r.nowNanos()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert stock record: %w", err)
	}
	return recordFromReply(id, reply, inverrors.ErrStockBelowReserved)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	reply, err := deleteScript.Run(ctx, r.rdb,
		[]string{stockKey(id), productHoldsKey(id), buildKey(expiryIndex)},
		buildKey(holdPrefix)+":", buildKey(cartPrefix)+":",
	).Slice()
	if err != nil {
		return fmt.Errorf("failed to delete stock record: %w", err)
	}
	if code, _ := reply[0].(int64); code == replyNotFound {
		return inverrors.ErrNotFound
	}
	return nil
}

func (r *RedisStore) Reserve(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return r.mutate(ctx, id, "reserve", quantity, inverrors.ErrInsufficientStock)
}

func (r *RedisStore) Release(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return r.mutate(ctx, id, "release", quantity, inverrors.ErrOverRelease)
}

func (r *RedisStore) Commit(ctx context.Context, id string, quantity int64) (*StockRecord, error) {
	return r.mutate(ctx, id, "commit", quantity, inverrors.ErrOverCommit)
}

func (r *RedisStore) mutate(ctx context.Context, id, mode string, quantity int64, rejected error) (*StockRecord, error) {
	reply, err := stockScript.Run(ctx, r.rdb, []string{stockKey(id)}, mode, quantity, r.nowNanos()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to %s stock: %w", mode, err)
	}
	return recordFromReply(id, reply, rejected)
}

func (r *RedisStore) ReserveHold(ctx context.Context, hold Hold) error {
	id := hold.ID.String()
	reply, err := reserveHoldScript.Run(ctx, r.rdb,
		[]string{
			stockKey(hold.ProductID),
			holdKey(id),
			cartKey(hold.CartID),
			productHoldsKey(hold.ProductID),
			buildKey(expiryIndex),
		},
		id, hold.CartID, hold.ProductID, hold.Quantity,
		hold.CreatedAt.UnixNano(), hold.ExpiresAt.UnixNano(), hold.ExpiresAt.UnixMilli(),
		r.nowNanos(),
	).Slice()
	if err != nil {
		return fmt.Errorf("failed to reserve hold: %w", err)
	}
	if code, _ := reply[0].(int64); code == replyHoldExists {
		return nil
	}
	_, err = recordFromReply(hold.ProductID, reply, inverrors.ErrInsufficientStock)
	return err
}

func (r *RedisStore) ReleaseHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	h, err := r.FindHold(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.settleHold(ctx, h, "retire", inverrors.ErrOverRelease)
}

// CommitHold checks expiry on the fetched ticket; ExpiresAt never changes, so the check holds for
// the script run as long as the ticket still exists.
func (r *RedisStore) CommitHold(ctx context.Context, id uuid.UUID, now time.Time) (*Hold, error) {
	h, err := r.FindHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Expired(now) {
		return nil, inverrors.ErrHoldExpired
	}
	return r.settleHold(ctx, h, "commit", inverrors.ErrOverCommit)
}

func (r *RedisStore) settleHold(ctx context.Context, h *Hold, mode string, rejected error) (*Hold, error) {
	id := h.ID.String()
	reply, err := settleHoldScript.Run(ctx, r.rdb,
		[]string{
			holdKey(id),
			stockKey(h.ProductID),
			cartKey(h.CartID),
			productHoldsKey(h.ProductID),
			buildKey(expiryIndex),
		},
		mode, id, r.nowNanos(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to %s hold: %w", mode, err)
	}
	if code, _ := reply[0].(int64); code == replyHoldNotFound {
		return nil, inverrors.ErrHoldNotFound
	}
	if _, err := recordFromReply(h.ProductID, reply, rejected); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *RedisStore) FindHold(ctx context.Context, id uuid.UUID) (*Hold, error) {
	values, err := r.rdb.HGetAll(ctx, holdKey(id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find hold: %w", err)
	}
	if len(values) == 0 {
		return nil, inverrors.ErrHoldNotFound
	}
	return holdFromHash(id, values)
}

func (r *RedisStore) ListHoldsByCart(ctx context.Context, cartID string) ([]Hold, error) {
	ids, err := r.rdb.SMembers(ctx, cartKey(cartID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cart holds: %w", err)
	}
	holds, err := r.loadHolds(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortHolds(holds)
	return holds, nil
}

func (r *RedisStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, buildKey(expiryIndex), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	holds, err := r.loadHolds(ctx, ids)
	if err != nil {
		return nil, err
	}
	expired := holds[:0]
	for _, h := range holds {
		// the index is scored in milliseconds
		if h.Expired(now) {
			expired = append(expired, h)
		}
	}
	return expired, nil
}

// loadHolds fetches tickets in one pipeline, skipping those settled in the meantime.
func (r *RedisStore) loadHolds(ctx context.Context, ids []string) ([]Hold, error) {
	holds := make([]Hold, 0, len(ids))
	if len(ids) == 0 {
		return holds, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, holdKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load holds: %w", err)
	}
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		id, err := uuid.Parse(ids[i])
		if err != nil {
			return nil, fmt.Errorf("malformed hold id %q: %w", ids[i], err)
		}
		h, err := holdFromHash(id, values)
		if err != nil {
			return nil, err
		}
		holds = append(holds, *h)
	}
	return holds, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func (r *RedisStore) nowNanos() int64 {
	return r.now().UnixNano()
}

func recordFromReply(id string, reply []any, rejected error) (*StockRecord, error) {
	if len(reply) == 0 {
		return nil, errors.New("empty script reply")
	}
	code, _ := reply[0].(int64)
	switch code {
	case replyOK:
	case replyNotFound:
		return nil, inverrors.ErrNotFound
	case replyRejected:
		return nil, rejected
	default:
		return nil, fmt.Errorf("unexpected script reply code %d", code)
	}
	if len(reply) < 4 {
		return nil, fmt.Errorf("short script reply: %v", reply)
	}
	stock, _ := reply[1].(int64)
	reserved, _ := reply[2].(int64)
	nanos, _ := reply[3].(string)
	updatedAt, err := parseNanos(nanos)
	if err != nil {
		return nil, fmt.Errorf("malformed updated_at in reply: %w", err)
	}
	return &StockRecord{ID: id, Stock: stock, Reserved: reserved, UpdatedAt: updatedAt}, nil
}

func holdFromHash(id uuid.UUID, values map[string]string) (*Hold, error) {
	h := &Hold{ID: id, CartID: values["cart_id"], ProductID: values["product_id"]}
	var err error
	if h.Quantity, err = strconv.ParseInt(values["quantity"], 10, 64); err != nil {
		return nil, fmt.Errorf("malformed quantity of hold %s: %w", id, err)
	}
	if h.CreatedAt, err = parseNanos(values["created_at"]); err != nil {
		return nil, fmt.Errorf("malformed created_at of hold %s: %w", id, err)
	}
	if h.ExpiresAt, err = parseNanos(values["expires_at"]); err != nil {
		return nil, fmt.Errorf("malformed expires_at of hold %s: %w", id, err)
	}
	return h, nil
}

func parseNanos(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func stockKey(id string) string        { return buildKey(stockPrefix, id) }
func holdKey(id string) string         { return buildKey(holdPrefix, id) }
func cartKey(cartID string) string     { return buildKey(cartPrefix, cartID) }
func productHoldsKey(id string) string { return buildKey(productHolds, id) }

func buildKey(parts ...string) string {
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part == "" {
			continue
		}
		clean = append(clean, strings.TrimSpace(part))
	}
	return strings.Join(clean, ":")
}
