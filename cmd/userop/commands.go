package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// dummySignature lets validation run before the real signature exists.
var dummySignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

var (
	rpcURL      string
	privateKey  string
	fetchNonce  bool
	waitTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <userop.json>",
	Short: "Estimate, sign and submit a user operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if privateKey == "" {
			privateKey = os.Getenv("PRIVATE_KEY")
		}
		key, err := crypto.HexToECDSA(trim0x(privateKey))
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		log.Info().Str("owner", crypto.PubkeyToAddress(key.PublicKey).Hex()).Msg("Signing with owner key")

		op, err := readUserOp(args[0])
		if err != nil {
			return err
		}

		bundler, err := dialBundler(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to bundler: %w", err)
		}
		chainID, err := bundler.ChainId(ctx)
		if err != nil {
			return fmt.Errorf("failed to get chain id: %w", err)
		}

		if rpcURL == "" {
			rpcURL = os.Getenv("RPC_URL")
		}
		if rpcURL != "" {
			if err := fillFromNode(ctx, op); err != nil {
				return err
			}
		}

		if len(op.Signature) == 0 {
			op.Signature = dummySignature
		}

		estimates, err := bundler.EstimateUserOperationGas(ctx, op, entryPointAddress())
		if err != nil {
			return fmt.Errorf("failed to estimate user operation gas: %w", err)
		}
		log.Info().
			Str("pre_verification_gas", estimates.PreVerificationGas.String()).
			Str("verification_gas_limit", estimates.VerificationGasLimit.String()).
			Str("call_gas_limit", estimates.CallGasLimit.String()).
			Msg("Gas estimated")

		op.PreVerificationGas = estimates.PreVerificationGas
		op.VerificationGasLimit = estimates.VerificationGasLimit
		op.CallGasLimit = estimates.CallGasLimit
		if op.Paymaster != nil {
			op.PaymasterVerificationGasLimit = estimates.PaymasterVerificationGasLimit
			op.PaymasterPostOpGasLimit = estimates.PaymasterPostOpGasLimit
		}

		hash, err := op.GetUserOpHash(entryPointAddress(), chainID)
		if err != nil {
			return fmt.Errorf("failed to calculate user operation hash: %w", err)
		}
		op.Signature, err = erc4337.SignUserOpHash(hash, key)
		if err != nil {
			return err
		}

		userOpHash, err := bundler.SendUserOperation(ctx, op, entryPointAddress())
		if err != nil {
			return fmt.Errorf("failed to send user operation: %w", err)
		}
		log.Info().Str("user_op_hash", userOpHash.Hex()).Msg("User operation sent")

		if waitTimeout <= 0 {
			return nil
		}
		receipt, err := waitForReceipt(ctx, bundler, userOpHash, waitTimeout)
		if err != nil {
			return err
		}
		return printJSON(receipt)
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <userop.json>",
	Short: "Estimate gas limits for a user operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := readUserOp(args[0])
		if err != nil {
			return err
		}
		if len(op.Signature) == 0 {
			op.Signature = dummySignature
		}
		bundler, err := dialBundler(cmd.Context())
		if err != nil {
			return err
		}
		estimates, err := bundler.EstimateUserOperationGas(cmd.Context(), op, entryPointAddress())
		if err != nil {
			return err
		}
		return printJSON(estimates)
	},
}

var receiptCmd = &cobra.Command{
	Use:   "receipt <userOpHash>",
	Short: "Print the receipt of a user operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := parseHash(args[0])
		if err != nil {
			return err
		}
		bundler, err := dialBundler(cmd.Context())
		if err != nil {
			return err
		}
		if waitTimeout > 0 {
			receipt, err := waitForReceipt(cmd.Context(), bundler, hash, waitTimeout)
			if err != nil {
				return err
			}
			return printJSON(receipt)
		}
		receipt, err := bundler.GetUserOperationReceipt(cmd.Context(), hash)
		if err != nil {
			return err
		}
		if receipt == nil {
			log.Info().Str("user_op_hash", hash.Hex()).Msg("User operation is pending")
			return nil
		}
		return printJSON(receipt)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <userOpHash>",
	Short: "Print the lifecycle status of a user operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := parseHash(args[0])
		if err != nil {
			return err
		}
		bundler, err := dialBundler(cmd.Context())
		if err != nil {
			return err
		}
		status, err := bundler.GetUserOperationStatus(cmd.Context(), hash)
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Run a bundle cycle now (debug endpoint)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		admin, err := dialAdmin(cmd.Context())
		if err != nil {
			return err
		}
		summary, err := admin.SendBundleNow(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var mempoolCmd = &cobra.Command{
	Use:   "mempool",
	Short: "Dump pending user operations (debug endpoint)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		admin, err := dialAdmin(cmd.Context())
		if err != nil {
			return err
		}
		ops, err := admin.DumpMempool(cmd.Context(), entryPointAddress())
		if err != nil {
			return err
		}
		return printJSON(ops)
	},
}

func init() {
	sendCmd.Flags().StringVar(&rpcURL, "rpc-url", "", "Node RPC used for nonce and fees (default $RPC_URL)")
	sendCmd.Flags().StringVar(&privateKey, "private-key", "", "Owner key that signs the user operation (default $PRIVATE_KEY)")
	sendCmd.Flags().BoolVar(&fetchNonce, "fetch-nonce", true, "Replace the nonce sequence with the EntryPoint's current one")
	sendCmd.Flags().DurationVar(&waitTimeout, "wait", 0, "Wait this long for the receipt after sending")
	receiptCmd.Flags().DurationVar(&waitTimeout, "wait", 0, "Poll until the receipt is available or the timeout expires")
}

func readUserOp(path string) (*erc4337.UserOperation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var op erc4337.UserOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to parse user operation: %w", err)
	}
	return &op, nil
}

// fillFromNode sets the nonce and fee fields from the node.
func fillFromNode(ctx context.Context, op *erc4337.UserOperation) error {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}
	defer client.Close()

	if fetchNonce {
		var key *big.Int
		if op.Nonce != nil {
			key, _ = erc4337.SplitNonce(op.Nonce.ToInt())
		}
		calldata, err := erc4337.EncodeGetNonce(op.Sender, key)
		if err != nil {
			return err
		}
		ep := entryPointAddress()
		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &ep, Data: calldata}, nil)
		if err != nil {
			return fmt.Errorf("failed to call getNonce: %w", err)
		}
		nonce, err := erc4337.DecodeUint256Result("getNonce", out)
		if err != nil {
			return err
		}
		op.Nonce = (*hexutil.Big)(nonce)
		log.Info().Str("nonce", op.Nonce.String()).Msg("Nonce fetched from EntryPoint")
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("failed to get priority fee: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	// maxFeePerGas = 2 * baseFee + tip
	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	op.MaxPriorityFeePerGas = (*hexutil.Big)(tip)
	op.MaxFeePerGas = (*hexutil.Big)(maxFee)

	log.Info().
		Str("max_fee_per_gas", maxFee.String()).
		Str("max_priority_fee_per_gas", tip.String()).
		Msg("Gas fees fetched")
	return nil
}

func waitForReceipt(ctx context.Context, bundler erc4337.Bundler, hash common.Hash, timeout time.Duration) (*erc4337.UserOperationReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().Str("user_op_hash", hash.Hex()).Msg("Polling for user operation receipt...")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := bundler.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			log.Warn().Err(err).Msg("Receipt not yet available")
		} else if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.New("timed out waiting for user operation receipt")
		case <-ticker.C:
		}
	}
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q", s)
	}
	return common.BytesToHash(b), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
