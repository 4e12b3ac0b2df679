package cryptnode

// Cipher selects the block cipher XTS wraps around.
type Cipher int

const (
	// CipherAES uses crypto/aes, the same choice luks.go makes for every
	// LUKS1/LUKS2 image it can unlock.
	CipherAES Cipher = iota
	// CipherSerpent uses aead/serpent, a drop-in XTS block cipher for
	// operators who want to avoid AES specifically.
	CipherSerpent
)

// KDF selects the password-to-key derivation function.
type KDF int

const (
	// KDFArgon2id is the default: memory-hard, matching LUKS2's
	// argon2id keyslot handling in luks.go.
	KDFArgon2id KDF = iota
	// KDFPBKDF2SHA256 is offered for compatibility with environments that
	// cannot run Argon2id, mirroring luks.go's PBKDF2 fallback for LUKS1
	// and LUKS2's pbkdf2 keyslots.
	KDFPBKDF2SHA256
)

// Option configures Wrap at construction time.
type Option func(*wrapOptions)

type wrapOptions struct {
	cipher Cipher
	kdf    KDF

	salt []byte

	argon2Time    uint32
	argon2Memory  uint32
	argon2Threads uint8

	pbkdf2Iterations int
}

func defaultWrapOptions() *wrapOptions {
	return &wrapOptions{
		cipher:           CipherAES,
		kdf:              KDFArgon2id,
		argon2Time:       1,
		argon2Memory:     64 * 1024,
		argon2Threads:    4,
		pbkdf2Iterations: 210000,
	}
}

// WithCipher selects the XTS block cipher.
func WithCipher(c Cipher) Option {
	return func(o *wrapOptions) { o.cipher = c }
}

// WithKDF selects the password-derivation function.
func WithKDF(k KDF) Option {
	return func(o *wrapOptions) { o.kdf = k }
}

// WithSalt supplies a fixed salt instead of a freshly generated one; use
// this to re-open a node previously wrapped with a known salt.
func WithSalt(salt []byte) Option {
	return func(o *wrapOptions) { o.salt = salt }
}

// WithArgon2Params overrides the Argon2id cost parameters.
func WithArgon2Params(time, memory uint32, threads uint8) Option {
	return func(o *wrapOptions) {
		o.argon2Time = time
		o.argon2Memory = memory
		o.argon2Threads = threads
	}
}

// WithPBKDF2Iterations overrides the PBKDF2-SHA256 iteration count.
func WithPBKDF2Iterations(n int) Option {
	return func(o *wrapOptions) { o.pbkdf2Iterations = n }
}
