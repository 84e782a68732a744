package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/access"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	User   string
	TTL    time.Duration
	Secret string
}

// TokenOutput is the output of the token command.
type TokenOutput struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t TokenOutput) RenderText(w io.Writer) error {
	_, err := fmt.Fprintln(w, t.Token)
	return err
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user",
		Long: `Issue an HS256 access token signed with auth.secret, for local
development and scripted clients.

Example:
  stepsync token --user alice --ttl 2h
  curl -H "Authorization: Bearer $(stepsync token --user alice)" ...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user ID to put in the token (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (overrides auth.secret)")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	secret := cfg.Auth.Secret
	if opts.Secret != "" {
		secret = opts.Secret
	}
	if secret == "" {
		return NewExitError(ExitCommandError, "no signing secret: set auth.secret or --secret")
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "--ttl must be positive")
	}

	expires := time.Now().Add(opts.TTL)
	token, err := access.IssueToken([]byte(secret), opts.User, cfg.Auth.Issuer, opts.TTL)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to issue token", err)
	}
	return opts.newFormatter(cmd).Success(TokenOutput{
		Token:     token,
		User:      opts.User,
		ExpiresAt: expires.UTC().Truncate(time.Second),
	})
}
