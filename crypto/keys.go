package crypto

import (
	"crypto/ed25519"

	"github.com/seafooler/sign_tools"
	"go.dedis.ch/kyber/v3/share"
)

// GenerateEd25519Keys wraps the teacher's sign.GenED25519Keys, used by
// tests and by genesis/config tooling (out of scope) to mint baker
// identities.
func GenerateEd25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	return sign_tools.GenED25519Keys()
}

// GenerateThresholdKeys wraps the teacher's sign.GenTSKeys, splitting a
// fresh BLS secret into quorumNum-of-nodeNum Shamir shares for quorum
// voting.
func GenerateThresholdKeys(quorumNum, nodeNum int) ([]*share.PriShare, *share.PubPoly) {
	return sign_tools.GenTSKeys(quorumNum, nodeNum)
}
