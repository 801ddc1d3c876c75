package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/domain/auth"
)

var hashKeyArgon bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [credential]",
	Short: "Hash a pre-shared credential for the config file",
	Long: `Hash a pre-shared credential so the config file never stores the raw key.

By default the output is the SHA-256 hex digest, usable directly in the
auth.credentials.key field. With --argon2id the output is an Argon2id PHC
string, which is slower to verify but resistant to offline guessing.

Example:
  toolgate hash-key "my-secret-key"
  toolgate hash-key --argon2id "my-secret-key"

Security note: the key will appear in shell history. Consider using an
environment variable:
  toolgate hash-key "$MY_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon {
			hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
			if err != nil {
				return fmt.Errorf("hash credential: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(auth.HashKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon, "argon2id", false, "emit an Argon2id PHC hash instead of SHA-256 hex")
	rootCmd.AddCommand(hashKeyCmd)
}
