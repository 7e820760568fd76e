package client

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/resolver"
)

// lbResolverSchema resolves "static:///a:1,b:2" into a fixed address list
// balanced round robin, used for master and router replicas.
const lbResolverSchema = "static"

func init() {
	resolver.Register(&LBBuilder{})
}

type LBBuilder struct{}

func (lb *LBBuilder) Build(target resolver.Target, cc resolver.ClientConn,
	opts resolver.BuildOptions) (resolver.Resolver, error,
) {
	var endpoints []string
	for _, endpoint := range strings.Split(target.Endpoint(), ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}

	r := &LBResolver{
		endpoints: endpoints,
		cc:        cc,
	}
	r.ResolveNow(resolver.ResolveNowOptions{})
	return r, nil
}

func (lb *LBBuilder) Scheme() string {
	return lbResolverSchema
}

type LBResolver struct {
	endpoints []string
	cc        resolver.ClientConn
}

func (lr *LBResolver) ResolveNow(opts resolver.ResolveNowOptions) {
	var addresses []resolver.Address
	for i, addr := range lr.endpoints {
		addresses = append(addresses, resolver.Address{
			Addr:       addr,
			ServerName: fmt.Sprintf("endpoint-%d", i+1),
		})
	}

	newState := resolver.State{
		Addresses: addresses,
	}
	lr.cc.UpdateState(newState)
}

func (lr *LBResolver) Close() {}
