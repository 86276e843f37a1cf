package types

// Network represents supported blockchain networks
type Network string

const (
	NetworkEthereum    Network = "ethereum"
	NetworkSepolia     Network = "sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
)

var chainIDs = map[Network]int64{
	NetworkEthereum:    1,
	NetworkSepolia:     11155111,
	NetworkPolygon:     137,
	NetworkPolygonAmoy: 80002,
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
}

// ChainID returns the EVM chain id of a known network.
func (n Network) ChainID() (int64, bool) {
	id, ok := chainIDs[n]
	return id, ok
}

func (n Network) IsSupported() bool {
	_, ok := chainIDs[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkSepolia || n == NetworkPolygonAmoy || n == NetworkBaseSepolia
}

func (n Network) String() string {
	return string(n)
}

// SupportedNetworks lists every network a payment may be recorded on.
func SupportedNetworks() []Network {
	return []Network{
		NetworkEthereum, NetworkSepolia,
		NetworkPolygon, NetworkPolygonAmoy,
		NetworkBase, NetworkBaseSepolia,
	}
}
