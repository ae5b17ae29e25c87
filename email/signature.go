// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package email

import (
	"bytes"

	"github.com/mr-tron/base58"

	"github.com/katzenpost/dhtmail/address"
)

// SignatureHeader carries the sender's signature over the rest of the
// message.  It is always the first header line.
const SignatureHeader = "X-Dhtmail-Signature"

var signaturePrefix = []byte(SignatureHeader + ": ")

// Sign prepends a signature header made with the identity's signing key.
func Sign(content []byte, id *address.Identity) ([]byte, error) {
	impl, err := id.Impl()
	if err != nil {
		return nil, err
	}
	sig, err := impl.Sign(id.Keys.SigningPrivate, content)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(signaturePrefix)+2*len(sig)+2+len(content))
	out = append(out, signaturePrefix...)
	out = append(out, base58.Encode(sig)...)
	out = append(out, "\r\n"...)
	return append(out, content...), nil
}

// VerifySignature checks the signature header of a received message
// against the destination in its From header.  It returns false for
// unsigned messages and for senders outside the network.
func VerifySignature(raw []byte) bool {
	if !bytes.HasPrefix(raw, signaturePrefix) {
		return false
	}
	end := bytes.Index(raw, []byte("\r\n"))
	if end < 0 {
		return false
	}
	sig, err := base58.Decode(string(raw[len(signaturePrefix):end]))
	if err != nil {
		return false
	}
	content := raw[end+2:]

	e := &Email{Raw: content}
	r, err := address.ParseRecipient(e.Sender())
	if err != nil || r.IsForeign() {
		return false
	}
	impl, err := r.Destination.Impl()
	if err != nil {
		return false
	}
	return impl.Verify(r.Destination.SigningKey, content, sig)
}
