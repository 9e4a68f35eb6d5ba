package cryptokit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// ContentKeySize is the AES-256 content key length
	ContentKeySize = 32
	// DefaultChunkSize is the plaintext size of one asset chunk
	DefaultChunkSize = 64 * 1024
	// ContentKeyAlg names the content cipher in license payloads
	ContentKeyAlg = "AES-GCM"

	maxSealedChunk = 64 << 20
)

// ErrDecrypt is returned when a chunk fails authentication
var ErrDecrypt = errors.New("chunk authentication failed")

// GenerateContentKey returns 32 random bytes
func GenerateContentKey() ([]byte, error) {
	key := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	return key, nil
}

// SHA256Hex returns the hex SHA-256 digest of b
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != ContentKeySize {
		return nil, fmt.Errorf("%w: content key must be %d bytes", ErrInvalidKey, ContentKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func chunkAAD(index int) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, uint64(index))
	return aad
}

// EncryptChunk seals one chunk with AES-256-GCM under a fresh random nonce.
// The chunk index is bound as additional data so chunks cannot be reordered.
// Output is nonce || ciphertext || tag.
func EncryptChunk(key []byte, index int, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, chunkAAD(index)), nil
}

// DecryptChunk opens a chunk produced by EncryptChunk
func DecryptChunk(key []byte, index int, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, chunkAAD(index))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// AssetInfo describes an encrypted asset as referenced from license payloads
type AssetInfo struct {
	SHA256     string
	ChunkCount int
	ChunkSize  int
}

// EncryptAsset reads plaintext from r in chunkSize pieces and writes each
// sealed chunk to w prefixed by its big-endian uint32 length. The returned
// digest covers the bytes written to w.
func EncryptAsset(key []byte, r io.Reader, w io.Writer, chunkSize int) (AssetInfo, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	digest := sha256.New()
	out := io.MultiWriter(w, digest)
	buf := make([]byte, chunkSize)
	count := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sealed, serr := EncryptChunk(key, count, buf[:n])
			if serr != nil {
				return AssetInfo{}, serr
			}
			if werr := writeFrame(out, sealed); werr != nil {
				return AssetInfo{}, werr
			}
			count++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return AssetInfo{}, fmt.Errorf("read plaintext: %w", err)
		}
	}
	return AssetInfo{SHA256: hex.EncodeToString(digest.Sum(nil)), ChunkCount: count, ChunkSize: chunkSize}, nil
}

// DecryptAsset reverses EncryptAsset and returns the digest of the encrypted input
func DecryptAsset(key []byte, r io.Reader, w io.Writer) (AssetInfo, error) {
	digest := sha256.New()
	in := io.TeeReader(r, digest)
	count := 0
	for {
		sealed, err := readFrame(in)
		if err == io.EOF {
			break
		}
		if err != nil {
			return AssetInfo{}, err
		}
		pt, err := DecryptChunk(key, count, sealed)
		if err != nil {
			return AssetInfo{}, fmt.Errorf("chunk %d: %w", count, err)
		}
		if _, err := w.Write(pt); err != nil {
			return AssetInfo{}, fmt.Errorf("write plaintext: %w", err)
		}
		count++
	}
	return AssetInfo{SHA256: hex.EncodeToString(digest.Sum(nil)), ChunkCount: count}, nil
}

func writeFrame(w io.Writer, sealed []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read chunk header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxSealedChunk {
		return nil, fmt.Errorf("chunk of %d bytes exceeds limit", size)
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	return sealed, nil
}
