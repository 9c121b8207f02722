package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/internal/swap"
)

const fetchBatch = 100

// saveScript 仅当存储中的版本恰好是 version-1 时写入，新会话要求键不存在。
var saveScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
local want = tonumber(ARGV[1])
if current then
  if tonumber(current) ~= want - 1 then
    return 0
  end
elseif want > 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'state', ARGV[2], 'payload', ARGV[3], 'updated_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// SessionRepository 实现 swap.Repository。
type SessionRepository struct {
	client    *goredis.Client
	prefix    string
	index     string
	ownClient bool
}

var _ swap.Repository = (*SessionRepository)(nil)

// NewSessionRepository 连接 Redis 并返回仓库，Close 时会关闭连接。
func NewSessionRepository(ctx context.Context, cfg Config) (*SessionRepository, error) {
	client, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := NewSessionRepositoryWithClient(client, cfg.Prefix)
	repo.ownClient = true
	return repo, nil
}

// NewSessionRepositoryWithClient 复用已有的客户端。
func NewSessionRepositoryWithClient(client *goredis.Client, prefix string) *SessionRepository {
	prefix = normalizePrefix(prefix)
	return &SessionRepository{
		client: client,
		prefix: prefix + ":session:",
		index:  prefix + ":sessions",
	}
}

// Client 返回底层连接，供 Journal 等组件复用。
func (r *SessionRepository) Client() *goredis.Client {
	return r.client
}

func (r *SessionRepository) key(id string) string {
	return r.prefix + id
}

// Load 实现 swap.Repository。
func (r *SessionRepository) Load(ctx context.Context, id string) (*swap.Session, error) {
	payload, err := r.client.HGet(ctx, r.key(id), "payload").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, swap.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	return decodeSession(payload)
}

// Save 实现 swap.Repository，版本不连续时返回 CONFLICT。
func (r *SessionRepository) Save(ctx context.Context, session *swap.Session) error {
	if session == nil || session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	ok, err := saveScript.Run(ctx, r.client,
		[]string{r.key(session.ID), r.index},
		session.Version, string(session.State), payload, session.UpdatedAt, session.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("写入会话失败: %w", err)
	}
	if ok != 1 {
		return xerrors.New(xerrors.CodeConflict, "会话已被其他实例修改",
			xerrors.WithMetadata("session", session.ID),
			xerrors.WithMetadata("version", strconv.FormatInt(session.Version, 10)))
	}
	return nil
}

// Delete 实现 swap.Repository。
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.index, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	return nil
}

// List 先按时间范围读取索引，再批量拉取文档并按状态过滤。
func (r *SessionRepository) List(ctx context.Context, opts swap.ListOptions) ([]*swap.Session, error) {
	opts.ApplyDefaults()
	entries, err := r.client.ZRangeByScoreWithScores(ctx, r.index, scoreRange(opts)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话索引失败: %w", err)
	}
	ids := orderCandidates(entries, opts.Order)

	results := make([]*swap.Session, 0, opts.Limit)
	skipped := 0
	for start := 0; start < len(ids) && len(results) < opts.Limit; start += fetchBatch {
		end := start + fetchBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := r.fetch(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		for _, s := range batch {
			if !opts.Matches(s) {
				continue
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			results = append(results, s)
			if len(results) == opts.Limit {
				break
			}
		}
	}
	return results, nil
}

// Stats 实现 swap.Repository。
func (r *SessionRepository) Stats(ctx context.Context) (swap.Stats, error) {
	var stats swap.Stats
	entries, err := r.client.ZRangeWithScores(ctx, r.index, 0, -1).Result()
	if err != nil {
		return stats, fmt.Errorf("读取会话索引失败: %w", err)
	}
	for start := 0; start < len(entries); start += fetchBatch {
		end := start + fetchBatch
		if end > len(entries) {
			end = len(entries)
		}
		pipe := r.client.Pipeline()
		cmds := make([]*goredis.StringCmd, 0, end-start)
		for _, entry := range entries[start:end] {
			cmds = append(cmds, pipe.HGet(ctx, r.key(memberID(entry)), "state"))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return stats, fmt.Errorf("读取会话状态失败: %w", err)
		}
		for i, cmd := range cmds {
			state, err := cmd.Result()
			if err != nil {
				continue
			}
			updated := int64(entries[start+i].Score)
			stats.AddCount(swap.State(state), 1, updated, updated)
		}
	}
	return stats, nil
}

// Close 实现 swap.Repository。
func (r *SessionRepository) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

func (r *SessionRepository) fetch(ctx context.Context, ids []string) ([]*swap.Session, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.key(id), "payload")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("批量读取会话失败: %w", err)
	}
	sessions := make([]*swap.Session, 0, len(ids))
	for _, cmd := range cmds {
		payload, err := cmd.Result()
		if errors.Is(err, goredis.Nil) {
			// 索引与文档之间的短暂不一致，跳过即可。
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("读取会话失败: %w", err)
		}
		s, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func scoreRange(opts swap.ListOptions) *goredis.ZRangeBy {
	by := &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if opts.UpdatedGTE > 0 {
		by.Min = strconv.FormatInt(opts.UpdatedGTE, 10)
	}
	if opts.UpdatedLTE > 0 {
		by.Max = strconv.FormatInt(opts.UpdatedLTE, 10)
	}
	return by
}

// orderCandidates 与内存实现保持一致：按 updated_at 排序，相同时间按 ID 升序。
func orderCandidates(entries []goredis.Z, order swap.SortOrder) []string {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score == entries[j].Score {
			return memberID(entries[i]) < memberID(entries[j])
		}
		if order == swap.SortByUpdatedAsc {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].Score > entries[j].Score
	})
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = memberID(entry)
	}
	return ids
}

func memberID(z goredis.Z) string {
	switch v := z.Member.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func decodeSession(payload string) (*swap.Session, error) {
	var session swap.Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, fmt.Errorf("反序列化会话失败: %w", err)
	}
	if session.Orders == nil {
		session.Orders = map[string]swap.Order{}
	}
	if session.Approvals == nil {
		session.Approvals = map[string]bool{}
	}
	return &session, nil
}
