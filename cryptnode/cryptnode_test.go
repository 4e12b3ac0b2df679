package cryptnode

import (
	"bytes"
	"context"
	"testing"

	"github.com/blockbackup/cbw/node"
)

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	target := node.NewMemNode(4096, 512)

	n, err := Wrap(target, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 512)
	if _, err := n.WriteAt(ctx, payload, 512); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	out := make([]byte, 512)
	if _, err := n.ReadAt(out, 512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("expected decrypted read to match the original plaintext")
	}
}

func TestCiphertextDiffersFromPlaintext(t *testing.T) {
	ctx := context.Background()
	target := node.NewMemNode(4096, 512)

	n, err := Wrap(target, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	payload := bytes.Repeat([]byte{0x42}, 512)
	if _, err := n.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	raw := make([]byte, 512)
	target.ReadAt(raw, 0)
	if bytes.Equal(raw, payload) {
		t.Fatal("expected target to hold ciphertext, not plaintext")
	}
}

func TestWrongPassphraseFailsToDecrypt(t *testing.T) {
	ctx := context.Background()
	target := node.NewMemNode(4096, 512)

	salt := make([]byte, saltLen)
	writer, err := Wrap(target, "correct horse battery staple", WithSalt(salt))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	payload := bytes.Repeat([]byte{0x99}, 512)
	if _, err := writer.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	reader, err := Wrap(target, "wrong passphrase", WithSalt(salt))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	out := make([]byte, 512)
	if _, err := reader.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if bytes.Equal(out, payload) {
		t.Fatal("expected a wrong passphrase to produce different plaintext")
	}
}

func TestSameSaltReproducesKey(t *testing.T) {
	ctx := context.Background()
	target := node.NewMemNode(4096, 512)

	salt := make([]byte, saltLen)
	for i := range salt {
		salt[i] = byte(i)
	}

	writer, err := Wrap(target, "shared secret", WithSalt(salt))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	payload := bytes.Repeat([]byte{0x77}, 512)
	if _, err := writer.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	reader, err := Wrap(target, "shared secret", WithSalt(salt))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	out := make([]byte, 512)
	if _, err := reader.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("expected the same passphrase and salt to reproduce the same key")
	}
}

func TestSerpentCipherRoundTrip(t *testing.T) {
	ctx := context.Background()
	target := node.NewMemNode(4096, 512)

	n, err := Wrap(target, "correct horse battery staple", WithCipher(CipherSerpent))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5A}, 512)
	if _, err := n.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, 512)
	if _, err := n.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("expected serpent-XTS round trip to preserve plaintext")
	}
}

func TestPBKDF2KDFRoundTrip(t *testing.T) {
	ctx := context.Background()
	target := node.NewMemNode(4096, 512)

	n, err := Wrap(target, "correct horse battery staple", WithKDF(KDFPBKDF2SHA256))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	payload := bytes.Repeat([]byte{0x13}, 512)
	if _, err := n.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, 512)
	if _, err := n.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("expected pbkdf2-derived key round trip to preserve plaintext")
	}
}
