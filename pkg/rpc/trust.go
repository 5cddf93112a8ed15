package rpc

import "fmt"

// TrustLevel is how far a peer has progressed through authentication
type TrustLevel int

const (
	TrustNone      TrustLevel = 0 // unauthenticated
	TrustConnected TrustLevel = 1 // connection accepted
	TrustEncrypted TrustLevel = 2 // session key agreed, traffic must be encrypted
	TrustCluster   TrustLevel = 3 // proved knowledge of the cluster secret
	TrustAdmin     TrustLevel = 4 // proved the admin credentials

	// MaxTrustLevel is required by methods registered without an explicit level
	MaxTrustLevel = TrustAdmin
)

func (l TrustLevel) String() string {
	switch l {
	case TrustNone:
		return "none"
	case TrustConnected:
		return "connected"
	case TrustEncrypted:
		return "encrypted"
	case TrustCluster:
		return "cluster"
	case TrustAdmin:
		return "admin"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is within 0..MaxTrustLevel
func (l TrustLevel) Valid() bool {
	return l >= TrustNone && l <= MaxTrustLevel
}
