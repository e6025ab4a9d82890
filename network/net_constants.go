package network

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Net bundles the network-specific constants the original implementation
// hard-coded per deployment (BitcoinSV mainnet vs scaling-testnet):
// bootstrap servers, default ports, and the pinned checkpoint used for
// C3's proof verification.
type Net struct {
	Name string

	// DefaultServers are always part of the pool's candidate servers,
	// alongside persisted recent servers and peer-announced ones.
	DefaultServers []string

	DefaultPortTCP string
	DefaultPortTLS string

	// VerificationBlockHeight/MerkleRoot pin the checkpoint below which
	// header validity is assumed from prior audit (see chain.Store).
	VerificationBlockHeight int32
	VerificationBlockMerkleRoot chainhash.Hash
}

// MainNet is the production BitcoinSV network.
var MainNet = Net{
	Name: "mainnet",
	DefaultServers: []string{
		"electrumx.bitcoinsv.io:50002:s",
		"sv.satoshi.io:50002:s",
		"sv.electrumx.cascharia.com:50002:s",
		"electrumx-sv.1209k.com:50002:s",
	},
	DefaultPortTCP:              "50001",
	DefaultPortTLS:              "50002",
	VerificationBlockHeight:     557057,
	VerificationBlockMerkleRoot: mustHash("35ed7fe9a1ca3bf845c2b81dc66e9f6ab6b6d48c3d5fe51f683b6ee19768fbba"),
}

// ScalingTestNet is the stress-test deployment used for scaling trials.
var ScalingTestNet = Net{
	Name: "scaling-testnet",
	DefaultServers: []string{
		"stn1.electrumx.planbnetwork.org:50002:s",
		"stn2.electrumx.planbnetwork.org:50002:s",
	},
	DefaultPortTCP:              "50001",
	DefaultPortTLS:              "50002",
	VerificationBlockHeight:     14250,
	VerificationBlockMerkleRoot: mustHash("e87f896d69ec12818177ad689799094b5ceb0009e849d1e4353fb645989d6f60"),
}

func mustHash(s string) chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		// The constants above are fixed at compile time; a parse failure
		// here means the literal itself is malformed.
		panic(err)
	}
	return *h
}
