package crypto

import (
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

const requestDomain = "sbtgate-rpc\n"

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = 65

// RequestDigest binds a request body to the unix timestamp it was signed at.
func RequestDigest(timestamp int64, body []byte) []byte {
	ts := strconv.FormatInt(timestamp, 10)
	return crypto.Keccak256([]byte(requestDomain), []byte(ts), []byte("\n"), body)
}

// SignRequest produces the signature a caller attaches to an RPC request.
func SignRequest(key *PrivateKey, timestamp int64, body []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(RequestDigest(timestamp, body), key.PrivateKey)
}

// RecoverRequestSigner returns the identity that produced sig over the request.
func RecoverRequestSigner(timestamp int64, body, sig []byte) ([20]byte, error) {
	if len(sig) != SignatureLength {
		return [20]byte{}, errors.New("crypto: signature must be 65 bytes")
	}
	pub, err := crypto.SigToPub(RequestDigest(timestamp, body), sig)
	if err != nil {
		return [20]byte{}, err
	}
	var id [20]byte
	copy(id[:], crypto.PubkeyToAddress(*pub).Bytes())
	return id, nil
}
