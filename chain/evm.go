package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"bridge-relayer/logger"
	"bridge-relayer/models"
)

// Minimal mailbox surface: the delivered lookup and the process call that
// hands a message plus its verification metadata to the on-chain verifier.
const mailboxABI = `[
  {"type":"function","name":"delivered","stateMutability":"view","inputs":[{"name":"messageId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"process","stateMutability":"payable","inputs":[{"name":"metadata","type":"bytes"},{"name":"message","type":"bytes"}],"outputs":[]}
]`

// EVMAdapter implements Adapter against an EVM destination chain's mailbox
// contract over JSON-RPC.
type EVMAdapter struct {
	client        *ethclient.Client
	mailbox       common.Address
	abi           abi.ABI
	key           *ecdsa.PrivateKey
	signer        common.Address
	chainID       *big.Int
	finalityDepth uint64
	log           *zap.Logger
}

func NewEVMAdapter(ctx context.Context, rpcURL string, mailbox common.Address, privateKeyHex string, finalityDepth uint64) (*EVMAdapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial destination rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(mailboxABI))
	if err != nil {
		return nil, fmt.Errorf("parse mailbox abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse relayer key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	return &EVMAdapter{
		client:        client,
		mailbox:       mailbox,
		abi:           parsed,
		key:           key,
		signer:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		finalityDepth: finalityDepth,
		log:           logger.Named("evm"),
	}, nil
}

func (a *EVMAdapter) Signer() common.Address { return a.signer }

// Delivered asks the mailbox whether the message id was already processed.
func (a *EVMAdapter) Delivered(ctx context.Context, messageID common.Hash) (bool, error) {
	data, err := a.abi.Pack("delivered", messageID)
	if err != nil {
		return false, err
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.mailbox, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call delivered: %w", err)
	}
	res, err := a.abi.Unpack("delivered", out)
	if err != nil {
		return false, err
	}
	return res[0].(bool), nil
}

func (a *EVMAdapter) EstimateCost(ctx context.Context, msg *models.Message, metadata []byte) (*models.TxCostEstimate, error) {
	data, err := a.abi.Pack("process", metadata, msg.Encode())
	if err != nil {
		return nil, err
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.signer,
		To:   &a.mailbox,
		Data: data,
	})
	if err != nil {
		return nil, classifyRevert(err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	price, overflow := uint256.FromBig(gasPrice)
	if overflow {
		return nil, fmt.Errorf("gas price %s overflows u256", gasPrice)
	}
	return &models.TxCostEstimate{
		GasLimit: uint256.NewInt(gasLimit),
		GasPrice: price,
	}, nil
}

func (a *EVMAdapter) Broadcast(ctx context.Context, msg *models.Message, metadata []byte, gasLimit *uint256.Int, nonce uint64) (TxRef, error) {
	data, err := a.abi.Pack("process", metadata, msg.Encode())
	if err != nil {
		return TxRef{}, err
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return TxRef{}, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &a.mailbox,
		Gas:      gasLimit.Uint64(),
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return TxRef{}, fmt.Errorf("sign process tx: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return TxRef{}, classifyRevert(err)
	}
	a.log.Debug("process transaction sent",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce))
	return TxRef{Hash: signed.Hash()}, nil
}

func (a *EVMAdapter) Status(ctx context.Context, ref TxRef) (TxState, error) {
	receipt, err := a.client.TransactionReceipt(ctx, ref.Hash)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, txErr := a.client.TransactionByHash(ctx, ref.Hash)
		if errors.Is(txErr, ethereum.NotFound) {
			return TxDropped, nil
		}
		if txErr != nil {
			return "", txErr
		}
		if pending {
			return TxMempool, nil
		}
		return TxPendingInclusion, nil
	}
	if err != nil {
		return "", err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxDropped, nil
	}

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return "", err
	}
	if head >= receipt.BlockNumber.Uint64()+a.finalityDepth {
		return TxFinalized, nil
	}
	return TxIncluded, nil
}

// NextNonceOnFinalizedBlock queries the account nonce at the chain's
// finalized tag, the ground truth the nonce manager reconciles against.
func (a *EVMAdapter) NextNonceOnFinalizedBlock(ctx context.Context, signer common.Address) (uint64, error) {
	return a.client.NonceAt(ctx, signer, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
}

// classifyRevert maps mailbox revert strings onto the adapter's sentinel
// errors so the state machine can tell terminal failures from transient
// ones.
func classifyRevert(err error) error {
	s := err.Error()
	switch {
	case strings.Contains(s, "already delivered"):
		return fmt.Errorf("%w: %s", ErrAlreadyDelivered, s)
	case strings.Contains(s, "verification failed"), strings.Contains(s, "!module"), strings.Contains(s, "!verify"):
		return fmt.Errorf("%w: %s", ErrMessageRejected, s)
	}
	return err
}
