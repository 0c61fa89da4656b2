package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cubefs/rdb"
	"github.com/cubefs/rdb/common/kvstore"
	"github.com/cubefs/rdb/store"
)

var (
	rootCmd = &cobra.Command{
		Use:   "rdbtool",
		Short: "offline tool for rdb replica stores",
		Long: `rdbtool inspects and repairs the store of a stopped rdb replica.
Flags can also be set through environment variables named RDB_<flag>
(e.g. RDB_PATH=/data/rdb), read from .env files as well.`,
		SilenceUsage:      true,
		PersistentPreRunE: bindFlags,
	}
	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create the store of a new replica",
		RunE:  runCreate,
	}
	glanceCmd = &cobra.Command{
		Use:   "glance",
		Short: "Print the persisted raft state and membership of a replica",
		RunE:  runGlance,
	}
	dictateCmd = &cobra.Command{
		Use:   "dictate",
		Short: "Make the replica the only member after a quorum is lost",
		Long: `dictate keeps the committed log of the replica, drops the rest and
removes every other member. Start the replica alone afterwards and add
new replicas to it. The other replicas must never be started again.`,
		RunE: runDictate,
	}
	destroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "Remove the store of a replica",
		RunE:  runDestroy,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("path", "./run/store", "store directory of the replica")
	rootCmd.PersistentFlags().String("kv-type", string(kvstore.PebbleLsmKVType), "storage engine (pebble, rocksdb)")

	createCmd.Flags().String("uuid", "", "database uuid, a new one when empty")
	createCmd.Flags().Uint32("rank", 0, "rank of the replica")
	createCmd.Flags().Uint32("gen", 0, "generation of the replica")
	createCmd.Flags().String("replicas", "", "initial membership as rank:gen pairs (e.g. 0:0,1:0,2:0), empty for a joining replica")

	destroyCmd.Flags().Bool("force", false, "confirm the removal")

	rootCmd.AddCommand(createCmd, glanceCmd, dictateCmd, destroyCmd)
}

// initConfig loads .env files and environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("rdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func storeConfig() *store.Config {
	return &store.Config{
		Path:   viper.GetString("path"),
		KVType: kvstore.LsmKVType(viper.GetString("kv-type")),
	}
}

func parseReplicas(s string) ([]rdb.Replica, error) {
	var replicas []rdb.Replica
	if s == "" {
		return replicas, nil
	}
	for _, item := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid replica %q (expected rank:gen)", item)
		}
		rank, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid rank %q: %v", parts[0], err)
		}
		gen, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid generation %q: %v", parts[1], err)
		}
		replicas = append(replicas, rdb.Replica{Rank: uint32(rank), Gen: uint32(gen)})
	}
	return replicas, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCreate(cmd *cobra.Command, _ []string) error {
	_, ctx := trace.StartSpanFromContext(context.Background(), "create")
	id := viper.GetString("uuid")
	if id == "" {
		id = uuid.NewString()
	}
	replicas, err := parseReplicas(viper.GetString("replicas"))
	if err != nil {
		return err
	}
	self := rdb.Replica{Rank: viper.GetUint32("rank"), Gen: viper.GetUint32("gen")}
	st, err := rdb.Create(ctx, storeConfig(), id, self, replicas)
	if err != nil {
		return err
	}
	defer st.Close(ctx)
	info, err := st.Glance(ctx)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runGlance(cmd *cobra.Command, _ []string) error {
	_, ctx := trace.StartSpanFromContext(context.Background(), "glance")
	st, err := rdb.Open(ctx, storeConfig())
	if err != nil {
		return err
	}
	defer st.Close(ctx)
	info, err := st.Glance(ctx)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runDictate(cmd *cobra.Command, _ []string) error {
	_, ctx := trace.StartSpanFromContext(context.Background(), "dictate")
	st, err := rdb.Open(ctx, storeConfig())
	if err != nil {
		return err
	}
	defer st.Close(ctx)
	if err = st.Dictate(ctx); err != nil {
		return err
	}
	info, err := st.Glance(ctx)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runDestroy(cmd *cobra.Command, _ []string) error {
	_, ctx := trace.StartSpanFromContext(context.Background(), "destroy")
	path := viper.GetString("path")
	if !viper.GetBool("force") {
		return fmt.Errorf("refusing to remove %s without --force", path)
	}
	return rdb.Destroy(ctx, path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
