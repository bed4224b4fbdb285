// Package chain holds the chain/token registry and the adapters that talk to
// the payout relayer and gas oracles.
package chain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
)

// Family groups chains that share an address format and signing scheme.
type Family string

const (
	FamilyEVM  Family = "evm"
	FamilyTron Family = "tron"
)

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrUnsupportedToken = errors.New("unsupported token")
	ErrInvalidAddress   = errors.New("invalid address")
)

// Chain describes one destination network.
type Chain struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Family      Family   `json:"family"`
	NativeToken string   `json:"native_token"`
	Decimals    int32    `json:"decimals"`
	Tokens      []string `json:"tokens"`
}

// SupportsToken reports whether token can be sent on the chain.
func (c Chain) SupportsToken(token string) bool {
	token = strings.ToUpper(strings.TrimSpace(token))
	for _, t := range c.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Registry is an immutable lookup of supported chains.
type Registry struct {
	chains map[int64]Chain
}

// NewRegistry builds a registry from chains.
func NewRegistry(chains ...Chain) *Registry {
	r := &Registry{chains: make(map[int64]Chain, len(chains))}
	for _, c := range chains {
		tokens := make([]string, len(c.Tokens))
		for i, t := range c.Tokens {
			tokens[i] = strings.ToUpper(t)
		}
		c.Tokens = tokens
		r.chains[c.ID] = c
	}
	return r
}

// DefaultChains lists the networks the payout relayer signs for.
func DefaultChains() []Chain {
	return []Chain{
		{ID: 1, Name: "Ethereum", Family: FamilyEVM, NativeToken: "ETH", Decimals: 18, Tokens: []string{"ETH", "USDC", "USDT", "DAI"}},
		{ID: 10, Name: "Optimism", Family: FamilyEVM, NativeToken: "ETH", Decimals: 18, Tokens: []string{"ETH", "USDC", "USDT", "DAI"}},
		{ID: 56, Name: "BNB Smart Chain", Family: FamilyEVM, NativeToken: "BNB", Decimals: 18, Tokens: []string{"BNB", "USDC", "USDT"}},
		{ID: 137, Name: "Polygon", Family: FamilyEVM, NativeToken: "MATIC", Decimals: 18, Tokens: []string{"MATIC", "USDC", "USDT", "DAI"}},
		{ID: 8453, Name: "Base", Family: FamilyEVM, NativeToken: "ETH", Decimals: 18, Tokens: []string{"ETH", "USDC", "DAI"}},
		{ID: 42161, Name: "Arbitrum One", Family: FamilyEVM, NativeToken: "ETH", Decimals: 18, Tokens: []string{"ETH", "USDC", "USDT", "DAI"}},
		{ID: 728126428, Name: "TRON", Family: FamilyTron, NativeToken: "TRX", Decimals: 6, Tokens: []string{"TRX", "USDT", "USDC"}},
		{ID: 3448148188, Name: "TRON Nile", Family: FamilyTron, NativeToken: "TRX", Decimals: 6, Tokens: []string{"TRX", "USDT"}},
	}
}

// DefaultRegistry returns a registry of DefaultChains.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultChains()...)
}

// Get returns the chain with id.
func (r *Registry) Get(id int64) (Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, id)
	}
	return c, nil
}

// All returns every chain ordered by id.
func (r *Registry) All() []Chain {
	out := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateToken checks that token is sendable on chainID.
func (r *Registry) ValidateToken(chainID int64, token string) error {
	c, err := r.Get(chainID)
	if err != nil {
		return err
	}
	if !c.SupportsToken(token) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, token, c.Name)
	}
	return nil
}

// ValidateAddress checks address against the format of chainID's family.
func (r *Registry) ValidateAddress(chainID int64, address string) error {
	c, err := r.Get(chainID)
	if err != nil {
		return err
	}
	if err := checkHomoglyphs(address); err != nil {
		return err
	}
	switch c.Family {
	case FamilyTron:
		return validateTronAddress(address)
	default:
		return validateEVMAddress(address)
	}
}

// cyrillic look-alikes of latin letters used in address spoofing
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O',
	'Р': 'P', 'С': 'C', 'Т': 'T', 'Х': 'X', 'і': 'i', 'ј': 'j', 'ѕ': 's',
}

func checkHomoglyphs(address string) error {
	for _, r := range address {
		if latin, ok := homoglyphs[r]; ok {
			return fmt.Errorf("%w: contains look-alike character %q (resembles %q)", ErrInvalidAddress, r, latin)
		}
		if r > unicode.MaxASCII {
			return fmt.Errorf("%w: contains non-ASCII character %q", ErrInvalidAddress, r)
		}
	}
	return nil
}

var zeroAddress = common.Address{}

func validateEVMAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return fmt.Errorf("%w: expected 0x followed by 40 hex characters", ErrInvalidAddress)
	}
	parsed := common.HexToAddress(address)
	if parsed == zeroAddress {
		return fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	hex := address[2:]
	if strings.ToLower(hex) != hex && strings.ToUpper(hex) != hex && parsed.Hex() != address {
		return fmt.Errorf("%w: EIP-55 checksum mismatch", ErrInvalidAddress)
	}
	return nil
}

var tronAddress = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)

func validateTronAddress(address string) error {
	if !tronAddress.MatchString(address) {
		return fmt.Errorf("%w: expected base58 address starting with T", ErrInvalidAddress)
	}
	return nil
}
