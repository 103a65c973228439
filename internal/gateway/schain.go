package gateway

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// SupplyChain is the OpenRTB SupplyChain object (schain).
type SupplyChain struct {
	Complete int               `json:"complete"`
	Ver      string            `json:"ver"`
	Nodes    []SupplyChainNode `json:"nodes"`
}

type SupplyChainNode struct {
	ASI string `json:"asi"`
	SID string `json:"sid"`
	HP  int    `json:"hp"`
}

// Seller is one entry of a sellers.json document.
type Seller struct {
	SellerID   string `json:"seller_id"`
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	SellerType string `json:"seller_type"`
}

// Sellers is a parsed sellers.json document.
type Sellers struct {
	Sellers []Seller `json:"sellers"`
}

// LoadSellers reads a sellers.json file.
func LoadSellers(path string) (*Sellers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Err(ErrConfiguration, err, "read sellers file %s", path)
	}
	return ParseSellers(data)
}

func ParseSellers(data []byte) (*Sellers, error) {
	var s Sellers
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, Err(ErrConfiguration, err, "parse sellers.json")
	}
	return &s, nil
}

// SupplyChainFor builds a single-node complete schain for the seller that
// owns domain. asi is the advertising system domain of the sellers.json
// owner. It returns false when no seller matches.
func (s *Sellers) SupplyChainFor(domain, asi string) (*SupplyChain, bool) {
	if s == nil {
		return nil, false
	}
	d := strings.TrimPrefix(strings.ToLower(domain), "www.")
	for _, seller := range s.Sellers {
		sd := strings.TrimPrefix(strings.ToLower(seller.Domain), "www.")
		if sd == "" || (d != sd && !strings.HasSuffix(d, "."+sd)) {
			continue
		}
		return &SupplyChain{
			Complete: 1,
			Ver:      "1.0",
			Nodes:    []SupplyChainNode{{ASI: asi, SID: seller.SellerID, HP: 1}},
		}, true
	}
	return nil, false
}

// String renders the compact schain serialization used in tag URLs:
// ver,complete!asi,sid,hp
func (c *SupplyChain) String() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s,%d", c.Ver, c.Complete)
	for _, n := range c.Nodes {
		fmt.Fprintf(&b, "!%s,%s,%d", n.ASI, n.SID, n.HP)
	}
	return b.String()
}
