package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huddlekit/huddle/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a relay server sharing this machine's room store",
	RunE:  runRelay,
}

func init() {
	serveCmd.Flags().String("host", "0.0.0.0", "listen address")
	serveCmd.Flags().Int("port", 8404, "listen port")
	rootCmd.AddCommand(serveCmd)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	if viper.GetString("backend") == "relay" {
		return fmt.Errorf("serve needs a local backend; set backend to sqlite or redis")
	}

	st, err := openStore(context.Background())
	if err != nil {
		return err
	}
	defer st.Close()

	// usernames mapped to bcrypt hashes; empty map serves unauthenticated
	creds := viper.GetStringMapString("relay.users")

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	return relay.NewServer(st, creds).Run(fmt.Sprintf("%s:%d", host, port))
}
