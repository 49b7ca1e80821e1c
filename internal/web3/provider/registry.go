package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentEscrow/internal/config"
	"AgentEscrow/internal/web3"
	"AgentEscrow/internal/web3/ethereum"
)

// Dialer builds a chain client from a definition.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	defs         map[string]web3.ChainDefinition
	signerKey    string
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.ChainConfig) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, dialEVM)
}

// NewRegistryWithDialer is NewRegistry with a custom client constructor.
func NewRegistryWithDialer(ctx context.Context, cfg config.ChainConfig, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.DefinitionsFile)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{
			Type:         "evm",
			RPCURL:       cfg.RPCURL,
			WSURL:        cfg.WSURL,
			VaultAddress: cfg.VaultAddress,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	clients := make(map[string]web3.Client, len(defs.Chains))
	for name, def := range defs.Chains {
		client, err := dial(ctx, name, def)
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = sortedNames(clients)[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, defs: defs.Chains, signerKey: cfg.SignerKey}, nil
}

func dialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType != "" && chainType != "evm" {
		return nil, fmt.Errorf("不支持的链类型 %s", def.Type)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:   name,
		RPCURL: def.RPCURL,
		WSURL:  def.WSURL,
		Notes:  def.Description,
	})
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
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
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// DefaultVault binds the escrow vault declared for the default chain.
func (r *Registry) DefaultVault(ctx context.Context) (web3.Vault, error) {
	client, err := r.DefaultClient()
	if err != nil {
		return nil, err
	}
	def := r.defs[r.defaultChain]
	if strings.TrimSpace(def.VaultAddress) == "" {
		return nil, fmt.Errorf("链 %s 未配置托管合约地址", r.defaultChain)
	}
	return client.Vault(ctx, def.VaultAddress, r.signerKey)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

func sortedNames(clients map[string]web3.Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
