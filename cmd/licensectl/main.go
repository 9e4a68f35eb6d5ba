// Command licensectl is the operator tool for the signing key and encrypted
// book assets: it generates and exports keys, verifies license documents
// offline and encrypts or decrypts assets in the chunk format clients read.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shelfkey/server/internal/cryptokit"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree. Output goes to cmd.OutOrStdout so
// tests can capture it.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "Manage shelfkey signing keys and encrypted assets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newKeygenCmd(), newPubkeyCmd(), newVerifyCmd(), newEncryptCmd(), newDecryptCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new Ed25519 signing key",
		Long: `Writes a PKCS#8 PEM private key with 0600 permissions and prints the key id
and public key. An existing file is only replaced with --force; move the old
public key into RETIRED_KEYS_DIR first so issued licenses keep verifying.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", out)
			}
			kp, err := cryptokit.GenerateKeypair()
			if err != nil {
				return err
			}
			priv, err := kp.MarshalPrivateKeyPEM()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			if err := os.WriteFile(out, priv, 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			return printPublicKey(cmd.OutOrStdout(), kp)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "data/signing_key.pem", "path of the private key to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func newPubkeyCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the key id and public key of a signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := readKeypair(keyPath)
			if err != nil {
				return err
			}
			return printPublicKey(cmd.OutOrStdout(), kp)
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", "data/signing_key.pem", "private key file")
	return cmd
}

// licenseDocument is the body the server returns when it issues or renews
type licenseDocument struct {
	License   json.RawMessage `json:"license"`
	Signature string          `json:"signature"`
}

func newVerifyCmd() *cobra.Command {
	var pubPath, keyPath, retiredDir string
	cmd := &cobra.Command{
		Use:   "verify <license.json>",
		Short: "Verify a {license, signature} document offline",
		Long: `Checks the signature of a license document against a public key (--pubkey)
or the public half of a signing key (--key). Keys from --retired are added to
the keyring so licenses signed before a rotation still verify.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var active []byte
			switch {
			case pubPath != "":
				data, err := os.ReadFile(pubPath)
				if err != nil {
					return fmt.Errorf("read public key: %w", err)
				}
				active = data
			case keyPath != "":
				kp, err := readKeypair(keyPath)
				if err != nil {
					return err
				}
				if active, err = kp.PublicKeyPEM(); err != nil {
					return err
				}
			default:
				return errors.New("one of --pubkey or --key is required")
			}
			pub, err := cryptokit.ParsePublicKeyPEM(active)
			if err != nil {
				return fmt.Errorf("parse public key: %w", err)
			}
			retired, err := cryptokit.LoadRetiredKeys(retiredDir)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			var doc licenseDocument
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("decode document: %w", err)
			}
			if len(doc.License) == 0 || doc.Signature == "" {
				return errors.New("document must carry license and signature")
			}
			if !cryptokit.NewVerifier(pub, retired...).Verify(doc.License, doc.Signature) {
				return errors.New("signature invalid")
			}

			var head struct {
				Kid       string `json:"kid"`
				LicenseID string `json:"licenseId"`
			}
			_ = json.Unmarshal(doc.License, &head)
			fmt.Fprintf(cmd.OutOrStdout(), "valid license=%s kid=%s\n", head.LicenseID, head.Kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubPath, "pubkey", "", "public key PEM")
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "private key PEM (only its public half is used)")
	cmd.Flags().StringVar(&retiredDir, "retired", "", "directory of retired public keys")
	return cmd
}

// assetReport is printed after encrypt so the values can be stored on the book
type assetReport struct {
	SHA256     string `json:"sha256"`
	ChunkCount int    `json:"chunkCount"`
	ChunkSize  int    `json:"chunkSize"`
	ContentKey string `json:"contentKey,omitempty"`
}

func newEncryptCmd() *cobra.Command {
	var keyHex string
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "encrypt <plaintext> <output>",
		Short: "Encrypt an asset into AES-256-GCM chunks",
		Long: `Encrypts a file with a content key given as hex (--key-hex) or a freshly
generated one, which is then printed. The report carries the digest, chunk
count and chunk size referenced by license payloads.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key []byte
			generated := keyHex == ""
			if generated {
				k, err := cryptokit.GenerateContentKey()
				if err != nil {
					return err
				}
				key = k
			} else {
				k, err := parseContentKey(keyHex)
				if err != nil {
					return err
				}
				key = k
			}

			info, err := transform(args[0], args[1], func(r io.Reader, w io.Writer) (cryptokit.AssetInfo, error) {
				return cryptokit.EncryptAsset(key, r, w, chunkSize)
			})
			if err != nil {
				return err
			}
			report := assetReport{SHA256: info.SHA256, ChunkCount: info.ChunkCount, ChunkSize: info.ChunkSize}
			if generated {
				report.ContentKey = hex.EncodeToString(key)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&keyHex, "key-hex", "", "32-byte content key as hex (generated when empty)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", cryptokit.DefaultChunkSize, "plaintext bytes per chunk")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "decrypt <ciphertext> <output>",
		Short: "Decrypt a chunked asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseContentKey(keyHex)
			if err != nil {
				return err
			}
			info, err := transform(args[0], args[1], func(r io.Reader, w io.Writer) (cryptokit.AssetInfo, error) {
				return cryptokit.DecryptAsset(key, r, w)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "decrypted %d chunks sha256=%s\n", info.ChunkCount, info.SHA256)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key-hex", "", "32-byte content key as hex")
	_ = cmd.MarkFlagRequired("key-hex")
	return cmd
}

func readKeypair(path string) (*cryptokit.Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	kp, err := cryptokit.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return kp, nil
}

func printPublicKey(w io.Writer, kp *cryptokit.Keypair) error {
	pub, err := kp.PublicKeyPEM()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "kid: %s\n%s", kp.KeyID(), pub)
	return nil
}

func parseContentKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("content key: %w", err)
	}
	if len(key) != cryptokit.ContentKeySize {
		return nil, fmt.Errorf("content key must be %d bytes, got %d", cryptokit.ContentKeySize, len(key))
	}
	return key, nil
}

// transform streams src through fn into dst. A partial output file is removed
// on failure.
func transform(src, dst string, fn func(io.Reader, io.Writer) (cryptokit.AssetInfo, error)) (cryptokit.AssetInfo, error) {
	in, err := os.Open(src)
	if err != nil {
		return cryptokit.AssetInfo{}, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return cryptokit.AssetInfo{}, fmt.Errorf("create output: %w", err)
	}
	info, err := fn(in, out)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(dst)
		return cryptokit.AssetInfo{}, err
	}
	return info, nil
}
