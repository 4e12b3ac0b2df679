// Package cryptnode wraps a node.Node with transparent sector-cipher
// encryption, so a backup target can be written and read as ciphertext
// without the block-copy engine or the CBW filter knowing the difference.
//
// Grounded on luks.go's LUKSDecryptor: the same golang.org/x/crypto/xts
// sector cipher, the same argon2/pbkdf2 key derivation, redirected from
// decrypting an existing LUKS header on read to deriving a key from a
// passphrase once at Wrap time and encrypting every write.
package cryptnode

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/aead/serpent"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"

	"github.com/blockbackup/cbw/node"
)

const (
	sectorSize = 512
	keyLen     = 64 // two 32-byte XTS half-keys, for either AES-256 or Serpent-256
	saltLen    = 16
)

// CryptNode is a node.Node decorator that encrypts every sector written to
// target and decrypts every sector read back from it.
type CryptNode struct {
	target node.Node
	cipher *xts.Cipher
	salt   []byte
}

// Wrap derives a sector-cipher key from passphrase and returns a node.Node
// that encrypts/decrypts every I/O against target transparently.
func Wrap(target node.Node, passphrase string, opts ...Option) (node.Node, error) {
	o := defaultWrapOptions()
	for _, opt := range opts {
		opt(o)
	}

	salt := o.salt
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, node.NewError("cryptnode.Wrap", node.KindBadArgument, false, err)
		}
	}

	key := deriveKey(passphrase, salt, o)

	var blockFunc func([]byte) (cipher.Block, error)
	switch o.cipher {
	case CipherSerpent:
		blockFunc = serpent.NewCipher
	default:
		blockFunc = aes.NewCipher
	}

	xc, err := xts.NewCipher(blockFunc, key)
	if err != nil {
		return nil, node.NewError("cryptnode.Wrap", node.KindBadArgument, false,
			fmt.Errorf("xts cipher init: %w", err))
	}

	return &CryptNode{target: target, cipher: xc, salt: salt}, nil
}

func deriveKey(passphrase string, salt []byte, o *wrapOptions) []byte {
	switch o.kdf {
	case KDFPBKDF2SHA256:
		return pbkdf2.Key([]byte(passphrase), salt, o.pbkdf2Iterations, keyLen, sha256.New)
	default:
		return argon2.IDKey([]byte(passphrase), salt, o.argon2Time, o.argon2Memory, o.argon2Threads, keyLen)
	}
}

// Salt returns the salt this node's key was derived with, so a caller can
// persist it and re-derive the same key on a later Wrap via WithSalt.
func (c *CryptNode) Salt() []byte { return c.salt }

func alignToSectors(off, length int64) (start, end int64) {
	start = off - off%sectorSize
	end = off + length
	if r := end % sectorSize; r != 0 {
		end += sectorSize - r
	}
	return start, end
}

func (c *CryptNode) decryptRange(buf []byte, physOff int64) []byte {
	plain := make([]byte, len(buf))
	startSector := uint64(physOff) / sectorSize
	for i := 0; i < len(buf); i += sectorSize {
		sector := startSector + uint64(i)/sectorSize
		c.cipher.Decrypt(plain[i:i+sectorSize], buf[i:i+sectorSize], sector)
	}
	return plain
}

func (c *CryptNode) encryptRange(buf []byte, physOff int64) []byte {
	out := make([]byte, len(buf))
	startSector := uint64(physOff) / sectorSize
	for i := 0; i < len(buf); i += sectorSize {
		sector := startSector + uint64(i)/sectorSize
		c.cipher.Encrypt(out[i:i+sectorSize], buf[i:i+sectorSize], sector)
	}
	return out
}

// ReadAt decrypts the sectors covering [off, off+len(p)) and copies the
// requested slice into p.
func (c *CryptNode) ReadAt(p []byte, off int64) (int, error) {
	start, end := alignToSectors(off, int64(len(p)))
	cbuf := make([]byte, end-start)
	if _, err := c.target.ReadAt(cbuf, start); err != nil && err != io.EOF {
		return 0, err
	}
	plain := c.decryptRange(cbuf, start)
	copy(p, plain[off-start:])
	return len(p), nil
}

// WriteAt encrypts p into the sectors covering [off, off+len(p)), read-
// modify-writing any partial boundary sectors against target's existing
// ciphertext.
func (c *CryptNode) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	start, end := alignToSectors(off, int64(len(p)))
	cbuf := make([]byte, end-start)
	if _, err := c.target.ReadAt(cbuf, start); err != nil && err != io.EOF {
		return 0, err
	}
	plain := c.decryptRange(cbuf, start)
	copy(plain[off-start:], p)
	cipherOut := c.encryptRange(plain, start)
	if _, err := c.target.WriteAt(ctx, cipherOut, start); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteZeroesAt zero-fills [off, off+length) through the same
// read-modify-write path as WriteAt, since the target only ever sees
// ciphertext and cannot zero-fill on our behalf.
func (c *CryptNode) WriteZeroesAt(ctx context.Context, off, length int64) error {
	zeroes := make([]byte, length)
	_, err := c.WriteAt(ctx, zeroes, off)
	return err
}

// DiscardAt passes through to target; ciphertext garbage is safe to drop
// without decrypting it first.
func (c *CryptNode) DiscardAt(ctx context.Context, off, length int64) error {
	return c.target.DiscardAt(ctx, off, length)
}

// Flush passes through to target.
func (c *CryptNode) Flush(ctx context.Context) error { return c.target.Flush(ctx) }

// Size passes through to target; encryption doesn't change extent length.
func (c *CryptNode) Size() int64 { return c.target.Size() }

// NaturalGranularity passes through to target.
func (c *CryptNode) NaturalGranularity() int64 { return c.target.NaturalGranularity() }

// Allocated passes through to target; the allocation map tracks physical
// extents, not plaintext content.
func (c *CryptNode) Allocated(ctx context.Context, off, length int64) (bool, error) {
	return c.target.Allocated(ctx, off, length)
}
