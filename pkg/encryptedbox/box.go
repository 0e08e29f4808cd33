// Envelope-encrypts short secrets (private keys) for a recipient's RSA public key. Used for
// key escrow: an encrypted copy of every newly issued private key can be left for an
// operator, who alone holds the decryption key.
package encryptedbox

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"
	"os"

	"github.com/function61/gokit/cryptoutil"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/pkencryptedstream"
)

type Box struct {
	KeyFingerprint string `json:"key_fingerprint"` // .. of the encryption key that encrypted this box
	Ciphertext     []byte `json:"ciphertext"`      // gokit/pkencryptedstream
}

func Encrypt(plaintext []byte, pubKey *rsa.PublicKey) (*Box, error) {
	pubKeyFingerprint, err := cryptoutil.Sha256FingerprintForPublicKey(pubKey)
	if err != nil {
		return nil, err
	}

	ciphertext := &bytes.Buffer{}
	encrypt, err := pkencryptedstream.Writer(ciphertext, pubKey)
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(encrypt, bytes.NewReader(plaintext)); err != nil {
		return nil, err
	}

	if err := encrypt.Close(); err != nil {
		return nil, err
	}

	return &Box{pubKeyFingerprint, ciphertext.Bytes()}, nil
}

func (e *Box) Decrypt(privKey *rsa.PrivateKey) ([]byte, error) {
	fingerprint, err := cryptoutil.Sha256FingerprintForPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, err
	}

	if e.KeyFingerprint != fingerprint {
		return nil, fmt.Errorf(
			"box was encrypted with key fingerprint %s, tried to open with %s",
			e.KeyFingerprint,
			fingerprint)
	}

	plaintextReader, err := pkencryptedstream.Reader(bytes.NewReader(e.Ciphertext), privKey)
	if err != nil {
		return nil, err
	}

	plaintext := &bytes.Buffer{}
	if _, err := io.Copy(plaintext, plaintextReader); err != nil {
		return nil, err
	}

	return plaintext.Bytes(), nil
}

// JSON document holding plaintext encrypted for pubKey
func Seal(plaintext []byte, pubKey *rsa.PublicKey) ([]byte, error) {
	box, err := Encrypt(plaintext, pubKey)
	if err != nil {
		return nil, err
	}

	sealed := &bytes.Buffer{}
	if err := jsonfile.Marshal(sealed, box); err != nil {
		return nil, err
	}

	return sealed.Bytes(), nil
}

func Open(sealed io.Reader, privKey *rsa.PrivateKey) ([]byte, error) {
	box := &Box{}
	if err := jsonfile.Unmarshal(sealed, box, true); err != nil {
		return nil, err
	}

	return box.Decrypt(privKey)
}

// loads PKCS1 PEM encoded RSA public key of the escrow recipient
func LoadRecipient(path string) (*rsa.PublicKey, error) {
	pubKeyPem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return cryptoutil.ParsePemPkcs1EncodedRsaPublicKey(pubKeyPem)
}
