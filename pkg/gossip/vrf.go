package gossip

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// VRF is a verifiable random function over secp256k1: the proof is a
// deterministic ECDSA signature of the seed and the random output is
// the hash of that signature. Anyone holding the proof can verify
// both the signature and the hash.
type VRF struct {
	priv *btcec.PrivateKey
}

// Proof is a VRF output plus everything needed to verify it.
type Proof struct {
	Seed      string `json:"seed"`
	NodeID    string `json:"node_id"`
	Signature []byte `json:"signature"`
	Hash      []byte `json:"hash"`
	PublicKey []byte `json:"public_key"`
}

// NewVRF generates a fresh keypair.
func NewVRF() (*VRF, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate vrf key: %w", err)
	}
	return &VRF{priv: priv}, nil
}

// Prove produces the proof for (seed, nodeID).
func (v *VRF) Prove(seed, nodeID string) Proof {
	digest := vrfDigest(seed, nodeID)
	sig := ecdsa.Sign(v.priv, digest).Serialize()
	h := sha3.Sum256(sig)

	return Proof{
		Seed:      seed,
		NodeID:    nodeID,
		Signature: sig,
		Hash:      h[:],
		PublicKey: v.priv.PubKey().SerializeCompressed(),
	}
}

// Verify checks the signature against the embedded public key and
// recomputes the hash.
func (p Proof) Verify() bool {
	pub, err := btcec.ParsePubKey(p.PublicKey)
	if err != nil {
		return false
	}

	sig, err := ecdsa.ParseDERSignature(p.Signature)
	if err != nil {
		return false
	}

	if !sig.Verify(vrfDigest(p.Seed, p.NodeID), pub) {
		return false
	}

	h := sha3.Sum256(p.Signature)
	return bytes.Equal(h[:], p.Hash)
}

// Less orders proofs by hash; the lowest proof hash wins leader
// election.
func (p Proof) Less(other Proof) bool {
	return bytes.Compare(p.Hash, other.Hash) < 0
}

func vrfDigest(seed, nodeID string) []byte {
	d := sha3.Sum256([]byte(seed + ":" + nodeID))
	return d[:]
}
