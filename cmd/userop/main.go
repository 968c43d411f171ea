package main

import (
	"context"
	"os"
	"strings"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	bundlerURL string
	entryPoint string
	apiSecret  string
)

var rootCmd = &cobra.Command{
	Use:   "userop",
	Short: "Client commands for an ERC-4337 bundler",
	PersistentPreRun: func(*cobra.Command, []string) {
		// Load .env file if it exists
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(".env"); err != nil {
				log.Fatal().Err(err).Msg("Error loading .env file")
			}
		}
		if apiSecret == "" {
			apiSecret = os.Getenv("API_SECRET")
		}
	},
}

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	rootCmd.PersistentFlags().StringVar(&bundlerURL, "bundler-url", "http://localhost:8080/rpc", "Bundler JSON-RPC endpoint")
	rootCmd.PersistentFlags().StringVar(&entryPoint, "entry-point", erc4337.EntryPointV07.Hex(), "EntryPoint address")
	rootCmd.PersistentFlags().StringVar(&apiSecret, "api-secret", "", "Secret for debug_bundler_* methods (default $API_SECRET)")
}

func entryPointAddress() common.Address {
	if !common.IsHexAddress(entryPoint) {
		log.Fatal().Str("entry_point", entryPoint).Msg("invalid entry point address")
	}
	return common.HexToAddress(entryPoint)
}

// dialBundler connects to the public endpoint.
func dialBundler(ctx context.Context) (erc4337.Bundler, error) {
	return erc4337.DialContext(ctx, bundlerURL)
}

// dialAdmin connects to the debug endpoint next to the public one.
func dialAdmin(ctx context.Context) (erc4337.Bundler, error) {
	url := strings.TrimSuffix(bundlerURL, "/rpc") + "/debug/rpc"
	c, err := rpc.DialOptions(ctx, url, rpc.WithHeader("X-API-Secret", apiSecret))
	if err != nil {
		return nil, err
	}
	return erc4337.NewBundlerClient(c), nil
}

func main() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(mempoolCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("failed to run command")
		os.Exit(1)
	}
}
