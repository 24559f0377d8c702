package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ChainPilot/internal/chain"
	"ChainPilot/internal/chain/ethereum"
)

// Config 指定链定义文件与默认链名。
type Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain  string
	clients       map[string]chain.Client
	confirmations map[string]uint64
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	defs, err := chain.LoadDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]chain.Client)
	confirmations := make(map[string]uint64)
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:   name,
				RPCURL: def.RPCURL,
				WSURL:  def.WSURL,
				Notes:  def.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
			confirmations[name] = def.Confirmations
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, confirmations: confirmations}, nil
}

// NewStaticRegistry 包装既有客户端集合，测试与嵌入场景使用。
func NewStaticRegistry(defaultChain string, clients map[string]chain.Client) *Registry {
	return &Registry{defaultChain: defaultChain, clients: clients, confirmations: map[string]uint64{}}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (chain.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (chain.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Confirmations 返回链的确认区块数要求，未配置时为 1。
func (r *Registry) Confirmations(name string) uint64 {
	if r == nil {
		return 1
	}
	if n, ok := r.confirmations[name]; ok && n > 0 {
		return n
	}
	return 1
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
