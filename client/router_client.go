package client

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"

	"github.com/cubefs/shardroute/proto"
)

type (
	RouterConfig struct {
		RouterAddresses string          `json:"router_addresses"`
		TransportConfig TransportConfig `json:"transport"`
	}

	// RouterClient is the entry point of applications. Staleness is resolved
	// inside the router, errors reaching the caller are data errors,
	// StaleConfigExhausted, TopologyUnstable or AuthorityUnavailable.
	RouterClient struct {
		caller
	}
)

func NewRouterClient(cfg *RouterConfig) (*RouterClient, error) {
	if cfg.RouterAddresses == "" {
		return nil, errors.New("router address can't be nil")
	}
	target := cfg.RouterAddresses
	if !strings.HasPrefix(target, lbResolverSchema+":///") {
		target = lbResolverSchema + ":///" + target
	}

	conn, err := grpc.Dial(target, generateDialOpts(&cfg.TransportConfig)...)
	if err != nil {
		return nil, err
	}
	return &RouterClient{caller: newCaller(conn, proto.RouterServiceName, &cfg.TransportConfig)}, nil
}

func (c *RouterClient) Execute(ctx context.Context, op *proto.Operation) (*proto.Result, error) {
	resp := &proto.Result{}
	if err := c.invoke(ctx, "Execute", op, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *RouterClient) Get(ctx context.Context, ns proto.Namespace, key proto.Key) ([]byte, bool, error) {
	resp, err := c.Execute(ctx, &proto.Operation{Type: proto.OpGet, Namespace: ns, Key: key})
	if err != nil || !resp.Found || len(resp.Docs) == 0 {
		return nil, false, err
	}
	return resp.Docs[0].Value, true, nil
}

func (c *RouterClient) Put(ctx context.Context, ns proto.Namespace, key proto.Key, value []byte) error {
	_, err := c.Execute(ctx, &proto.Operation{Type: proto.OpPut, Namespace: ns, Key: key, Value: value})
	return err
}

func (c *RouterClient) Delete(ctx context.Context, ns proto.Namespace, key proto.Key) error {
	_, err := c.Execute(ctx, &proto.Operation{Type: proto.OpDelete, Namespace: ns, Key: key})
	return err
}

func (c *RouterClient) Scan(ctx context.Context, ns proto.Namespace, r proto.KeyRange, limit int) ([]proto.Document, error) {
	resp, err := c.Execute(ctx, &proto.Operation{Type: proto.OpScan, Namespace: ns, Range: r, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (c *RouterClient) CreateDatabase(ctx context.Context, name string, primary proto.ShardID) (*proto.DatabaseEntry, error) {
	resp := &proto.GetDatabaseResponse{}
	if err := c.invoke(ctx, "CreateDatabase", &proto.CreateDatabaseRequest{Name: name, Primary: primary}, resp); err != nil {
		return nil, err
	}
	return &resp.Entry, nil
}

func (c *RouterClient) ShardCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error) {
	resp := &proto.GetCollectionResponse{}
	if err := c.invoke(ctx, "ShardCollection", &proto.ShardCollectionRequest{Namespace: ns}, resp); err != nil {
		return nil, err
	}
	return &resp.Meta, nil
}

func (c *RouterClient) DropCollection(ctx context.Context, ns proto.Namespace) error {
	return c.invoke(ctx, "DropCollection", &proto.DropCollectionRequest{Namespace: ns}, &proto.Empty{})
}

func (c *RouterClient) MoveChunk(ctx context.Context, ns proto.Namespace, r proto.KeyRange, donor, recipient proto.ShardID) (proto.MigrationID, error) {
	resp := &proto.StartMigrationResponse{}
	err := c.invoke(ctx, "MoveChunk", &proto.StartMigrationRequest{
		Namespace: ns, Range: r, Donor: donor, Recipient: recipient,
	}, resp)
	return resp.ID, err
}

func (c *RouterClient) Close() error {
	return c.conn.Close()
}
