package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/go-zookeeper/zk"
)

const defaultZKSessionTimeoutMs = 5000

type ZKConfig struct {
	Servers          []string `json:"servers"`
	Root             string   `json:"root"`
	SessionTimeoutMs int      `json:"session_timeout_ms"`
}

// zkStorage maps every catalog key to a znode under root. The znode data
// version is the item version, so Commit is a single zk multi carrying the
// version checks.
type zkStorage struct {
	conn *zk.Conn
	root string
}

func newZKStorage(ctx context.Context, cfg ZKConfig) (*zkStorage, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.SessionTimeoutMs <= 0 {
		cfg.SessionTimeoutMs = defaultZKSessionTimeoutMs
	}
	if cfg.Root == "" {
		cfg.Root = "/shardroute"
	}
	conn, _, err := zk.Connect(cfg.Servers, time.Duration(cfg.SessionTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, errors.Info(err, "zk connect failed")
	}
	s := &zkStorage{conn: conn, root: strings.TrimSuffix(cfg.Root, "/")}
	for _, prefix := range []string{collectionKeyPrefix, databaseKeyPrefix, shardKeyPrefix, migrationKeyPrefix} {
		if err := s.ensurePath(s.root + "/" + strings.TrimSuffix(prefix, "/")); err != nil {
			conn.Close()
			return nil, errors.Info(err, "zk ensure path failed")
		}
	}
	span.Infof("zookeeper catalog storage ready, servers: %v, root: %s", cfg.Servers, s.root)
	return s, nil
}

func (s *zkStorage) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (s *zkStorage) path(key string) string {
	return s.root + "/" + key
}

func (s *zkStorage) Get(ctx context.Context, key string) ([]byte, int64, error) {
	data, stat, err := s.conn.Get(s.path(key))
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, 0, errNotFound
		}
		return nil, 0, errors.Info(err, "zk get", key)
	}
	return data, int64(stat.Version), nil
}

func (s *zkStorage) List(ctx context.Context, prefix string) ([]Item, error) {
	children, _, err := s.conn.Children(s.path(strings.TrimSuffix(prefix, "/")))
	if err != nil {
		return nil, errors.Info(err, "zk children", prefix)
	}
	ret := make([]Item, 0, len(children))
	for _, child := range children {
		key := prefix + child
		data, version, err := s.Get(ctx, key)
		if err == errNotFound {
			// removed between Children and Get
			continue
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, Item{Key: key, Value: data, Version: version})
	}
	return ret, nil
}

func (s *zkStorage) Commit(ctx context.Context, ops ...Op) error {
	reqs := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		path := s.path(op.Key)
		switch {
		case op.Delete:
			reqs = append(reqs, &zk.DeleteRequest{Path: path, Version: zkVersion(op.ExpectedVersion)})
		case op.ExpectedVersion == VersionNotExist:
			reqs = append(reqs, &zk.CreateRequest{Path: path, Data: op.Value, Acl: zk.WorldACL(zk.PermAll)})
		case op.ExpectedVersion == AnyVersion:
			exists, _, err := s.conn.Exists(path)
			if err != nil {
				return errors.Info(err, "zk exists", op.Key)
			}
			if exists {
				reqs = append(reqs, &zk.SetDataRequest{Path: path, Data: op.Value, Version: -1})
			} else {
				reqs = append(reqs, &zk.CreateRequest{Path: path, Data: op.Value, Acl: zk.WorldACL(zk.PermAll)})
			}
		default:
			reqs = append(reqs, &zk.SetDataRequest{Path: path, Data: op.Value, Version: int32(op.ExpectedVersion)})
		}
	}

	resps, err := s.conn.Multi(reqs...)
	if err == nil {
		for i := range resps {
			if resps[i].Error != nil {
				err = resps[i].Error
				break
			}
		}
	}
	switch err {
	case nil:
		return nil
	case zk.ErrBadVersion, zk.ErrNodeExists, zk.ErrNoNode:
		trace.SpanFromContextSafe(ctx).Warnf("zk commit of %d ops rejected: %s", len(ops), err)
		return conflictOn(ops[0].Key)
	default:
		return errors.Info(err, "zk multi")
	}
}

func (s *zkStorage) Writable() bool {
	return s.conn.State() == zk.StateHasSession
}

func (s *zkStorage) Close() {
	s.conn.Close()
}

func zkVersion(v int64) int32 {
	if v < 0 {
		return -1
	}
	return int32(v)
}
