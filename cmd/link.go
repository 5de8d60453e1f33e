package cmd

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huddlekit/huddle/internal/session"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var linkCmd = &cobra.Command{
	Use:   "link [room-token]",
	Short: "Print an invite link, minting a fresh room token if none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			var err error
			token, err = gonanoid.Generate(tokenAlphabet, 10)
			if err != nil {
				return fmt.Errorf("error generating room token: %w", err)
			}
		}
		fmt.Println(session.ShareLink(viper.GetString("base-url"), token))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
}
