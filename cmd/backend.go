package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/huddlekit/huddle/configs"
	"github.com/huddlekit/huddle/internal/relay"
	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/store/redis"
	"github.com/huddlekit/huddle/internal/store/sqlite"
)

// openStore builds the configured store backend. sqlite coordinates rooms
// on one machine, redis across machines sharing a broker, relay through a
// huddle serve instance.
func openStore(ctx context.Context) (store.Store, error) {
	backend := viper.GetString("backend")
	switch backend {
	case "sqlite":
		path := viper.GetString("sqlite.path")
		if path == "" {
			path = filepath.Join(configs.GetDataDir(), "huddle.db")
		}
		return sqlite.Open(path)
	case "redis":
		return redis.Open(ctx,
			viper.GetString("redis.addr"),
			viper.GetString("redis.password"),
			viper.GetInt("redis.db"),
		)
	case "relay":
		return relay.Dial(
			viper.GetString("relay.url"),
			viper.GetString("base-url"),
			viper.GetString("relay.username"),
			viper.GetString("relay.password"),
		)
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}
