// Package hostkeys generates SSH host key pairs for DevServer pods whose
// images ship without pre-baked keys.
package hostkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

const rsaBits = 3072

// Generate produces one host key pair per supported algorithm (rsa, ecdsa,
// ed25519). The result maps sshd-style file names to PEM private keys and
// authorized-keys formatted public keys:
//
//	ssh_host_ed25519_key, ssh_host_ed25519_key.pub, ...
//
// Generation is the only entry point; keys are never rotated in place. A
// secret built from this map must not be regenerated while it exists.
func Generate() (map[string][]byte, error) {
	out := make(map[string][]byte, 6)

	rsaKey, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa host key: %w", err)
	}
	if err := addKeyPair(out, "rsa", rsaKey, rsaKey.Public()); err != nil {
		return nil, err
	}

	ecdsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdsa host key: %w", err)
	}
	if err := addKeyPair(out, "ecdsa", ecdsaKey, ecdsaKey.Public()); err != nil {
		return nil, err
	}

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 host key: %w", err)
	}
	if err := addKeyPair(out, "ed25519", edPriv, edPub); err != nil {
		return nil, err
	}

	return out, nil
}

func addKeyPair(out map[string][]byte, algo string, priv crypto.PrivateKey, pub crypto.PublicKey) error {
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return fmt.Errorf("marshal %s private key: %w", algo, err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal %s public key: %w", algo, err)
	}
	name := "ssh_host_" + algo + "_key"
	out[name] = pem.EncodeToMemory(block)
	out[name+".pub"] = ssh.MarshalAuthorizedKey(sshPub)
	return nil
}
