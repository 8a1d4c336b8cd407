package ledger

import (
	"math/big"

	"google.golang.org/protobuf/encoding/protowire"
)

// Transaction assembly. The chain speaks protobuf on the wire; the handful
// of message shapes we emit are stable, so they are encoded directly with
// protowire instead of carrying generated bindings for the whole SDK.
//
// Field numbers follow cosmos.tx.v1beta1 (TxBody, AuthInfo, SignDoc, TxRaw)
// and regen.ecocredit.marketplace.v1 (MsgBuyDirect).

const (
	buyDirectTypeURL = "/regen.ecocredit.marketplace.v1.MsgBuyDirect"
	secpPubKeyURL    = "/cosmos.crypto.secp256k1.PubKey"

	// cosmos.tx.signing.v1beta1.SignMode
	signModeDirect = 1
)

// encodeAny wraps value as a google.protobuf.Any.
func encodeAny(typeURL string, value []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, typeURL)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, value)
	return b
}

// encodeCoin encodes a cosmos.base.v1beta1.Coin. Amounts are decimal strings
// on the wire.
func encodeCoin(denom string, amount *big.Int) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, denom)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, amount.String())
	return b
}

// encodeBuyDirectOrder encodes one MsgBuyDirect.Order. disable_auto_retire
// stays at the proto3 default (false): purchases must auto-retire.
func encodeBuyDirectOrder(o BuyDirectOrder) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, o.SellOrderID)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, o.Quantity)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeCoin(o.BidDenom, o.BidAmountMicro))
	if o.RetirementJurisdiction != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, o.RetirementJurisdiction)
	}
	if o.RetirementReason != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, o.RetirementReason)
	}
	return b
}

// encodeMsgBuyDirect encodes the buy-direct purchase message.
func encodeMsgBuyDirect(buyer string, orders []BuyDirectOrder) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, buyer)
	for _, o := range orders {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeBuyDirectOrder(o))
	}
	return b
}

// encodeTxBody encodes cosmos.tx.v1beta1.TxBody with the given raw Any
// messages.
func encodeTxBody(msgs [][]byte, memo string) []byte {
	var b []byte
	for _, msg := range msgs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if memo != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, memo)
	}
	return b
}

// encodeSecpPubKey encodes cosmos.crypto.secp256k1.PubKey.
func encodeSecpPubKey(compressed []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, compressed)
	return b
}

// encodeSignerInfo encodes cosmos.tx.v1beta1.SignerInfo for a single
// SIGN_MODE_DIRECT signer.
func encodeSignerInfo(pubKeyAny []byte, sequence uint64) []byte {
	// ModeInfo{ single: { mode: SIGN_MODE_DIRECT } }
	var single []byte
	single = protowire.AppendTag(single, 1, protowire.VarintType)
	single = protowire.AppendVarint(single, signModeDirect)

	var modeInfo []byte
	modeInfo = protowire.AppendTag(modeInfo, 1, protowire.BytesType)
	modeInfo = protowire.AppendBytes(modeInfo, single)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, pubKeyAny)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, modeInfo)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, sequence)
	return b
}

// encodeFee encodes cosmos.tx.v1beta1.Fee.
func encodeFee(denom string, amount int64, gasLimit uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeCoin(denom, big.NewInt(amount)))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, gasLimit)
	return b
}

// encodeAuthInfo encodes cosmos.tx.v1beta1.AuthInfo.
func encodeAuthInfo(signerInfo, fee []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, signerInfo)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, fee)
	return b
}

// encodeSignDoc encodes cosmos.tx.v1beta1.SignDoc, the byte string a
// SIGN_MODE_DIRECT signature covers.
func encodeSignDoc(bodyBytes, authInfoBytes []byte, chainID string, accountNumber uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, bodyBytes)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, authInfoBytes)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, chainID)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, accountNumber)
	return b
}

// encodeTxRaw encodes cosmos.tx.v1beta1.TxRaw, the broadcastable envelope.
func encodeTxRaw(bodyBytes, authInfoBytes, signature []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, bodyBytes)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, authInfoBytes)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, signature)
	return b
}
