// Package watcher tails the escrow contract's event log and feeds every
// decoded event into the ingestion pipeline.
//
// The watcher is the normal transport of on-chain truth; the authenticated
// ingestion endpoint exists for backfill and for external indexers. Both
// paths converge on the same idempotent Ingest call, so overlap between them
// is harmless.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/peervault/peervault/internal/escrow"
	"github.com/peervault/peervault/internal/metrics"
)

// Event topic hashes of the escrow contract.
var (
	topicCreated          = crypto.Keccak256Hash([]byte("EscrowCreated(bytes32,address,address,uint256,uint256,uint256,uint256)"))
	topicTaken            = crypto.Keccak256Hash([]byte("EscrowTaken(bytes32,address)"))
	topicFunded           = crypto.Keccak256Hash([]byte("EscrowFunded(bytes32)"))
	topicPaymentConfirmed = crypto.Keccak256Hash([]byte("PaymentConfirmed(bytes32)"))
	topicDisputed         = crypto.Keccak256Hash([]byte("EscrowDisputed(bytes32,address)"))
	topicResolved         = crypto.Keccak256Hash([]byte("EscrowResolved(bytes32)"))
	topicReleased         = crypto.Keccak256Hash([]byte("EscrowReleased(bytes32)"))
	topicCancelled        = crypto.Keccak256Hash([]byte("EscrowCancelled(bytes32)"))
)

var topicEvents = map[common.Hash]escrow.EventName{
	topicCreated:          escrow.EventCreated,
	topicTaken:            escrow.EventTaken,
	topicFunded:           escrow.EventFunded,
	topicPaymentConfirmed: escrow.EventPaymentConfirmed,
	topicDisputed:         escrow.EventDisputed,
	topicResolved:         escrow.EventResolved,
	topicReleased:         escrow.EventReleased,
	topicCancelled:        escrow.EventCancelled,
}

// Ingester applies decoded chain events. Satisfied by *escrow.Service.
type Ingester interface {
	Ingest(ctx context.Context, ev escrow.ChainEvent) (*escrow.Escrow, error)
}

// CursorStore persists the per-(chain, contract) sync position so a restart
// resumes instead of re-scanning.
type CursorStore interface {
	Load(ctx context.Context, chainID int64, contract string) (block uint64, ok bool, err error)
	Save(ctx context.Context, chainID int64, contract string, block uint64) error
}

// Config for the escrow log watcher.
type Config struct {
	RPCURL       string
	ChainID      int64
	Contract     common.Address
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest at startup, unless a cursor exists
}

// Status is the indexer health snapshot served on the admin surface.
type Status struct {
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
	LastSyncedBlock uint64 `json:"lastSyncedBlock"`
	LagBlocks       uint64 `json:"lagBlocks"`
}

// Watcher polls the contract's logs and ingests them in log order.
type Watcher struct {
	client   *ethclient.Client
	config   Config
	ingester Ingester
	cursors  CursorStore
	logger   *slog.Logger

	mu        sync.Mutex
	lastBlock uint64
	headBlock uint64
}

// New connects to the RPC endpoint and creates a watcher.
func New(cfg Config, ingester Ingester, cursors CursorStore, logger *slog.Logger) (*Watcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect to RPC: %w", err)
	}
	return &Watcher{
		client:   client,
		config:   cfg,
		ingester: ingester,
		cursors:  cursors,
		logger:   logger,
	}, nil
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	start, err := w.resumePoint(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastBlock = start
	w.mu.Unlock()

	w.logger.Info("escrow watcher started",
		"chain_id", w.config.ChainID,
		"contract", w.config.Contract.Hex(),
		"start_block", start,
		"poll_interval", w.config.PollInterval)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("escrow watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.Error("poll failed", "error", err)
			}
		}
	}
}

func (w *Watcher) resumePoint(ctx context.Context) (uint64, error) {
	if block, ok, err := w.cursors.Load(ctx, w.config.ChainID, w.config.Contract.Hex()); err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	} else if ok {
		return block, nil
	}
	if w.config.StartBlock > 0 {
		return w.config.StartBlock - 1, nil
	}
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get head block: %w", err)
	}
	return head, nil
}

func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}

	w.mu.Lock()
	last := w.lastBlock
	w.headBlock = head
	w.mu.Unlock()
	metrics.ChainLagBlocks.WithLabelValues(fmt.Sprintf("%d", w.config.ChainID)).
		Set(float64(lag(head, last)))

	if head <= last {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(last + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{w.config.Contract},
		Topics: [][]common.Hash{{
			topicCreated, topicTaken, topicFunded, topicPaymentConfirmed,
			topicDisputed, topicResolved, topicReleased, topicCancelled,
		}},
	}
	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	// FilterLogs returns logs in (block, logIndex) order; ingest in place so
	// the stale-position guard never fires on our own feed.
	for _, vLog := range logs {
		ev, ok := decodeLog(w.config.ChainID, vLog)
		if !ok {
			continue
		}
		if _, err := w.ingester.Ingest(ctx, ev); err != nil {
			// Leave the cursor behind the failed log so the range is
			// re-scanned next poll; Ingest is idempotent for the part that
			// did apply.
			w.logger.Error("event ingest failed",
				"tx", vLog.TxHash.Hex(), "block", vLog.BlockNumber,
				"log_index", vLog.Index, "error", err)
			return w.saveCursor(ctx, prevBlock(vLog.BlockNumber))
		}
	}
	return w.saveCursor(ctx, head)
}

func (w *Watcher) saveCursor(ctx context.Context, block uint64) error {
	w.mu.Lock()
	w.lastBlock = block
	w.mu.Unlock()
	if err := w.cursors.Save(ctx, w.config.ChainID, w.config.Contract.Hex(), block); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Status returns the current sync position.
func (w *Watcher) Status(ctx context.Context) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		ChainID:         w.config.ChainID,
		ContractAddress: w.config.Contract.Hex(),
		LastSyncedBlock: w.lastBlock,
		LagBlocks:       lag(w.headBlock, w.lastBlock),
	}
}

func lag(head, last uint64) uint64 {
	if head <= last {
		return 0
	}
	return head - last
}

func prevBlock(b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return b - 1
}

// decodeLog maps one raw contract log onto a ChainEvent. Unknown topics are
// skipped; malformed known topics are skipped too, leaving the backfill
// endpoint to repair them.
func decodeLog(chainID int64, vLog types.Log) (escrow.ChainEvent, bool) {
	if len(vLog.Topics) < 2 {
		return escrow.ChainEvent{}, false
	}
	event, ok := topicEvents[vLog.Topics[0]]
	if !ok {
		return escrow.ChainEvent{}, false
	}

	ev := escrow.ChainEvent{
		ChainID:     chainID,
		EscrowID:    vLog.Topics[1].Hex(),
		Event:       string(event),
		TxHash:      vLog.TxHash.Hex(),
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
		Timestamp:   time.Now().UTC(),
	}

	switch event {
	case escrow.EventCreated:
		payload, ok := decodeCreatedData(vLog.Data)
		if !ok {
			return escrow.ChainEvent{}, false
		}
		ev.Payload = payload
	case escrow.EventTaken:
		buyer, ok := dataWordAddress(vLog.Data, 0)
		if !ok {
			return escrow.ChainEvent{}, false
		}
		ev.Payload = map[string]any{"buyer": buyer}
	case escrow.EventDisputed:
		if opener, ok := dataWordAddress(vLog.Data, 0); ok {
			ev.Payload = map[string]any{"openedBy": opener}
		}
	}
	return ev, true
}

// decodeCreatedData unpacks the six non-indexed words of EscrowCreated:
// seller, token, amount, feeAmount, sellerBond, buyerBond.
func decodeCreatedData(data []byte) (map[string]any, bool) {
	if len(data) < 6*32 {
		return nil, false
	}
	seller, _ := dataWordAddress(data, 0)
	token, _ := dataWordAddress(data, 1)
	return map[string]any{
		"seller":     seller,
		"token":      token,
		"amount":     dataWordUint(data, 2).String(),
		"feeAmount":  dataWordUint(data, 3).String(),
		"sellerBond": dataWordUint(data, 4).String(),
		"buyerBond":  dataWordUint(data, 5).String(),
	}, true
}

func dataWordAddress(data []byte, i int) (string, bool) {
	if len(data) < (i+1)*32 {
		return "", false
	}
	return common.BytesToAddress(data[i*32+12 : (i+1)*32]).Hex(), true
}

func dataWordUint(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32])
}
