package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	bip39 "github.com/cosmos/go-bip39"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160"
)

const hardenedOffset = 0x80000000

// Cosmos coin type 118, standard single-account path.
var derivationPath = []uint32{
	44 | hardenedOffset,
	118 | hardenedOffset,
	0 | hardenedOffset,
	0,
	0,
}

// Wallet holds the signing key derived from the configured mnemonic.
type Wallet struct {
	priv    *secp256k1.PrivateKey
	pubComp []byte
	address string
}

// NewWallet derives the m/44'/118'/0'/0/0 key from a BIP39 mnemonic and
// bech32-encodes its address under the given prefix.
func NewWallet(mnemonic, prefix string) (*Wallet, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	key, err := deriveKey(seed, derivationPath)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	priv := secp256k1.PrivKeyFromBytes(key)
	pubComp := priv.PubKey().SerializeCompressed()

	address, err := encodeAddress(prefix, pubComp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode address: %w", err)
	}

	return &Wallet{priv: priv, pubComp: pubComp, address: address}, nil
}

// Address returns the bech32 account address.
func (w *Wallet) Address() string {
	return w.address
}

// PubKeyCompressed returns the 33-byte compressed secp256k1 public key.
func (w *Wallet) PubKeyCompressed() []byte {
	return w.pubComp
}

// Sign produces a 64-byte R||S signature over sha256(msg), the format the
// chain expects for SIGN_MODE_DIRECT.
func (w *Wallet) Sign(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	// SignCompact prepends a recovery code byte; the chain wants bare R||S.
	sig := ecdsa.SignCompact(w.priv, digest[:], false)
	return sig[1:]
}

// deriveKey walks a BIP32 path from the BIP39 seed and returns the private
// key bytes at the leaf.
func deriveKey(seed []byte, path []uint32) ([]byte, error) {
	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)

	key := sum[:32]
	chainCode := sum[32:]

	for _, index := range path {
		var data []byte
		if index >= hardenedOffset {
			data = make([]byte, 0, 37)
			data = append(data, 0x00)
			data = append(data, key...)
		} else {
			parentPub := secp256k1.PrivKeyFromBytes(key).PubKey().SerializeCompressed()
			data = make([]byte, 0, 37)
			data = append(data, parentPub...)
		}
		data = binary.BigEndian.AppendUint32(data, index)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write(data)
		sum = mac.Sum(nil)

		var child secp256k1.ModNScalar
		if overflow := child.SetByteSlice(sum[:32]); overflow {
			return nil, fmt.Errorf("derived key out of range at index %d", index)
		}
		var parent secp256k1.ModNScalar
		parent.SetByteSlice(key)
		child.Add(&parent)
		if child.IsZero() {
			return nil, fmt.Errorf("derived zero key at index %d", index)
		}

		childBytes := child.Bytes()
		key = childBytes[:]
		chainCode = sum[32:]
	}

	return key, nil
}

// encodeAddress computes bech32(prefix, ripemd160(sha256(pubkey))), the
// standard Cosmos account address.
func encodeAddress(prefix string, pubComp []byte) (string, error) {
	sha := sha256.Sum256(pubComp)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	raw := ripe.Sum(nil)

	converted, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, converted)
}
