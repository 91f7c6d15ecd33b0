package cmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"
)

var keyName string

var utilCmd = &cobra.Command{
	Use:     "util",
	Aliases: []string{"utils"},
	Short:   "Utility commands for Catbird Nest",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("Available utility commands:")
		fmt.Println("  generate-key - Generate an ES256 signing key for the gateway")
	},
}

var utilGenerateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate an ES256 signing key for the gateway",
	Long: `Generates a P-256 private key, writes it as PKCS#8 PEM for
oauth.private_key_paths, and prints the public JWK that will appear in the
gateway's JWKS.`,
	Run: func(_ *cobra.Command, _ []string) {
		privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(fmt.Errorf("failed to generate key: %w", err))
		}

		der, err := x509.MarshalPKCS8PrivateKey(privKey)
		if err != nil {
			panic(fmt.Errorf("failed to encode key: %w", err))
		}

		pemPath := keyName + ".pem"
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(pemPath, pemBytes, 0600); err != nil {
			panic(fmt.Errorf("failed to write %s: %w", pemPath, err))
		}

		// Wrap as JWK to show the public form with its kid.
		key, err := jwk.FromRaw(privKey.Public())
		if err != nil {
			panic(fmt.Errorf("failed to create JWK: %w", err))
		}
		_ = key.Set(jwk.KeyIDKey, "catbird-"+keyName)
		_ = key.Set(jwk.AlgorithmKey, jwa.ES256)
		_ = key.Set(jwk.KeyUsageKey, "sig")

		pubJSON, _ := json.MarshalIndent(key, "", "  ")

		fmt.Printf("Private key written to %s\n", pemPath)
		fmt.Printf("kid: catbird-%s\n", keyName)
		fmt.Printf("Public JWK:\n%s\n", pubJSON)
	},
}

func init() {
	utilGenerateKeyCmd.Flags().StringVar(&keyName, "name", "es256-key", "key file stem; the kid becomes catbird-<name>")
	rootCmd.AddCommand(utilCmd)
	utilCmd.AddCommand(utilGenerateKeyCmd)
}
