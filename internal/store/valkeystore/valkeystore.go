// Package valkeystore provides a Valkey-backed store for deployments that
// run several proxy instances against one shared cache.
package valkeystore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/valkey-io/valkey-go"

	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/store"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "adsmetrics"

// Options configures the Valkey connection.
type Options struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Store keeps rows in hashes:
//
//	<prefix>:facts:<customer>:<type>:<date>     field entity -> fact JSON
//	<prefix>:coverage:<customer>:<type>:<scope> field date   -> coverage JSON
//	<prefix>:meta:<customer>:<type>             field entity -> metadata JSON
type Store struct {
	client valkey.Client
	prefix string
}

var _ store.Store = (*Store)(nil)

// Open connects to Valkey and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	clientOpts := valkey.ClientOption{
		InitAddress: []string{opts.Address},
	}
	if opts.Password != "" {
		clientOpts.Password = opts.Password
	}
	if opts.DB != 0 {
		clientOpts.SelectDB = opts.DB
	}

	client, err := valkey.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}
	return New(client, opts.Prefix), nil
}

// New wraps an existing client.
func New(client valkey.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, s.prefix)
	for _, p := range parts {
		escaped = append(escaped, url.QueryEscape(p))
	}
	return strings.Join(escaped, ":")
}

func (s *Store) factsKey(customerID string, entityType model.EntityType, date string) string {
	return s.key("facts", customerID, string(entityType), date)
}

func (s *Store) coverageKey(customerID string, entityType model.EntityType, scopeKey string) string {
	return s.key("coverage", customerID, string(entityType), scopeKey)
}

func (s *Store) metaKey(customerID string, entityType model.EntityType) string {
	return s.key("meta", customerID, string(entityType))
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.client == nil {
		return store.ErrNotConfigured
	}
	return nil
}

func (s *Store) doAll(ctx context.Context, cmds valkey.Commands) error {
	if len(cmds) == 0 {
		return nil
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// hsetAll builds one HSET per hash key.
func (s *Store) hsetAll(fields map[string]map[string]string) valkey.Commands {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cmds := make(valkey.Commands, 0, len(keys))
	for _, k := range keys {
		cmd := s.client.B().Hset().Key(k).FieldValue()
		for field, value := range fields[k] {
			cmd = cmd.FieldValue(field, value)
		}
		cmds = append(cmds, cmd.Build())
	}
	return cmds
}

func (s *Store) factFields(rows []model.MetricsFact) (map[string]map[string]string, error) {
	fields := make(map[string]map[string]string)
	for _, f := range rows {
		if err := store.ValidateFact(f); err != nil {
			return nil, err
		}
		data, err := store.Encode(f)
		if err != nil {
			return nil, err
		}
		k := s.factsKey(f.CustomerID, f.EntityType, f.Date)
		if fields[k] == nil {
			fields[k] = make(map[string]string)
		}
		fields[k][f.EntityID] = string(data)
	}
	return fields, nil
}

// UpsertFacts writes rows by natural key.
func (s *Store) UpsertFacts(ctx context.Context, rows []model.MetricsFact) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	fields, err := s.factFields(rows)
	if err != nil {
		return err
	}
	return store.Wrap("upsert facts", s.doAll(ctx, s.hsetAll(fields)))
}

// ReplaceFacts deletes the facts matching q and writes rows. The deletes and
// writes are pipelined, not transactional; callers serialize refreshes of a
// key through the refresh lock.
func (s *Store) ReplaceFacts(ctx context.Context, q model.Query, rows []model.MetricsFact) error {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := store.ValidateQuery(q, true); err != nil {
		return err
	}
	fields, err := s.factFields(rows)
	if err != nil {
		return err
	}
	existing, err := s.queryFacts(ctx, q)
	if err != nil {
		return store.Wrap("replace facts", err)
	}

	stale := make(map[string][]string)
	for _, f := range existing {
		k := s.factsKey(f.CustomerID, f.EntityType, f.Date)
		if _, rewritten := fields[k][f.EntityID]; rewritten {
			continue
		}
		stale[k] = append(stale[k], f.EntityID)
	}
	var cmds valkey.Commands
	for k, ids := range stale {
		cmds = append(cmds, s.client.B().Hdel().Key(k).Field(ids...).Build())
	}
	cmds = append(cmds, s.hsetAll(fields)...)
	return store.Wrap("replace facts", s.doAll(ctx, cmds))
}

// QueryFacts returns the facts matching q ordered by date then entity.
func (s *Store) QueryFacts(ctx context.Context, q model.Query) ([]model.MetricsFact, error) {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q, true); err != nil {
		return nil, err
	}
	rows, err := s.queryFacts(ctx, q)
	if err != nil {
		return nil, store.Wrap("query facts", err)
	}
	return rows, nil
}

func (s *Store) queryFacts(ctx context.Context, q model.Query) ([]model.MetricsFact, error) {
	days := q.Range.Days()
	cmds := make(valkey.Commands, 0, len(days))
	for _, day := range days {
		cmds = append(cmds, s.client.B().Hgetall().Key(s.factsKey(q.CustomerID, q.EntityType, day)).Build())
	}

	var rows []model.MetricsFact
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		values, err := resp.AsStrMap()
		if err != nil {
			return nil, err
		}
		var day []model.MetricsFact
		for _, raw := range values {
			var f model.MetricsFact
			if err := store.Decode([]byte(raw), &f); err != nil {
				return nil, err
			}
			if q.MatchesFact(f) {
				day = append(day, f)
			}
		}
		sort.Slice(day, func(i, j int) bool { return day[i].EntityID < day[j].EntityID })
		rows = append(rows, day...)
	}
	return rows, nil
}

// UpsertCoverage writes coverage rows by natural key.
func (s *Store) UpsertCoverage(ctx context.Context, rows []model.SyncCoverage) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	fields := make(map[string]map[string]string)
	for _, c := range rows {
		data, err := store.Encode(c)
		if err != nil {
			return err
		}
		k := s.coverageKey(c.CustomerID, c.EntityType, c.ScopeKey)
		if fields[k] == nil {
			fields[k] = make(map[string]string)
		}
		fields[k][c.Date] = string(data)
	}
	return store.Wrap("upsert coverage", s.doAll(ctx, s.hsetAll(fields)))
}

// QueryCoverage returns the coverage of q's scope within its range, by date.
func (s *Store) QueryCoverage(ctx context.Context, q model.Query) ([]model.SyncCoverage, error) {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q, true); err != nil {
		return nil, err
	}
	days := q.Range.Days()
	cmd := s.client.B().Hmget().Key(s.coverageKey(q.CustomerID, q.EntityType, q.Scope.String())).Field(days...).Build()
	values, err := s.client.Do(ctx, cmd).ToArray()
	if err != nil {
		return nil, store.Wrap("query coverage", err)
	}
	var rows []model.SyncCoverage
	for _, v := range values {
		raw, err := v.ToString()
		if valkey.IsValkeyNil(err) {
			continue
		}
		if err != nil {
			return nil, store.Wrap("query coverage", err)
		}
		var c model.SyncCoverage
		if err := store.Decode([]byte(raw), &c); err != nil {
			return nil, store.Wrap("query coverage", err)
		}
		rows = append(rows, c)
	}
	return rows, nil
}

// InvalidateCustomer scans for the customer's fact and coverage hashes and
// deletes them.
func (s *Store) InvalidateCustomer(ctx context.Context, customerID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, space := range []string{"facts", "coverage"} {
		pattern := s.key(space, customerID) + ":*"
		var cursor uint64
		for {
			entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(500).Build()).AsScanEntry()
			if err != nil {
				return store.Wrap("invalidate customer", err)
			}
			if len(entry.Elements) > 0 {
				if err := s.client.Do(ctx, s.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
					return store.Wrap("invalidate customer", err)
				}
			}
			cursor = entry.Cursor
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

// UpsertMetadata writes hierarchy rows by natural key.
func (s *Store) UpsertMetadata(ctx context.Context, rows []model.EntityHierarchy) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	fields := make(map[string]map[string]string)
	for _, h := range rows {
		if err := store.ValidateMetadata(h); err != nil {
			return err
		}
		data, err := store.Encode(h)
		if err != nil {
			return err
		}
		k := s.metaKey(h.CustomerID, h.EntityType)
		if fields[k] == nil {
			fields[k] = make(map[string]string)
		}
		fields[k][h.EntityID] = string(data)
	}
	return store.Wrap("upsert metadata", s.doAll(ctx, s.hsetAll(fields)))
}

// QueryMetadata returns the hierarchy rows in q's scope ordered by entity ID.
func (s *Store) QueryMetadata(ctx context.Context, q model.Query) ([]model.EntityHierarchy, error) {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q, false); err != nil {
		return nil, err
	}
	values, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.metaKey(q.CustomerID, q.EntityType)).Build()).AsStrMap()
	if err != nil {
		return nil, store.Wrap("query metadata", err)
	}
	var rows []model.EntityHierarchy
	for _, raw := range values {
		var h model.EntityHierarchy
		if err := store.Decode([]byte(raw), &h); err != nil {
			return nil, store.Wrap("query metadata", err)
		}
		if q.MatchesMetadata(h) {
			rows = append(rows, h)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })
	return rows, nil
}

// Ping checks the Valkey connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	s.client.Close()
	return nil
}
