// Package simulated is an in-memory ledger implementing every adapter
// capability. Local runs and engine tests use it in place of a real ledger.
package simulated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownMessage is returned for peer messages of an unknown type.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrNoPeerAddress is returned when settling to a peer that never sent its config.
	ErrNoPeerAddress = errors.New("peer address is unknown")
	// ErrUnknownTransaction is returned when submitting a transaction that was never prepared.
	ErrUnknownTransaction = errors.New("transaction was never prepared")
	// ErrDisconnected is returned once Disconnect was called.
	ErrDisconnected = errors.New("ledger is disconnected")
)

// MessageTypeConfig is the peer configuration message exchanged on setup.
const MessageTypeConfig = "config"

// Config tunes the simulated ledger.
type Config struct {
	// Address is the engine's own address on the ledger.
	Address string
	// Precision is the number of decimal places the ledger carries. Amounts
	// are rounded down to it.
	Precision int32
	// MinSettleAmount skips payments smaller than it; they stay queued.
	MinSettleAmount decimal.Decimal
	// ValidityWindow is how many heights a prepared transaction stays
	// includable. Zero disables the height bound.
	ValidityWindow uint64
	// ScanLimit caps transactions returned per scan. Zero returns all.
	ScanLimit int
	// PushIncoming reports deliveries straight to CreditSettlement instead of
	// waiting for a scan.
	PushIncoming bool
	Logger       log.Logger
	// OnHeight is called after every Advance with the new height.
	OnHeight func(height uint64)
}

type txRecord struct {
	tx        ledger.PreparedTransaction
	submitted bool
	status    ledger.TxStatus
}

// Ledger is the simulated ledger.
type Ledger struct {
	cfg      Config
	services ledger.Services
	logger   log.Logger

	mu           sync.Mutex
	height       uint64
	txs          map[string]*txRecord
	log          []ledger.IncomingTransaction
	peers        map[string]string
	tags         map[string]string
	accountTags  map[string]string
	nextTag      int
	disconnected bool

	// Failure injection.
	settleErr error
	submitErr error
	failNext  int
	stall     bool
}

var (
	_ ledger.Settler           = (*Ledger)(nil)
	_ ledger.AccountSetupper   = (*Ledger)(nil)
	_ ledger.MessageHandler    = (*Ledger)(nil)
	_ ledger.AccountCloser     = (*Ledger)(nil)
	_ ledger.Disconnector      = (*Ledger)(nil)
	_ ledger.TransactionLedger = (*Ledger)(nil)
	_ ledger.IncomingScanner   = (*Ledger)(nil)
)

// New creates a ledger. services may be nil until Bind is called.
func New(cfg Config, services ledger.Services) *Ledger {
	if cfg.Address == "" {
		cfg.Address = "sim-" + uuid.NewString()[:8]
	}

	return &Ledger{
		cfg:         cfg,
		services:    services,
		logger:      log.OrNop(cfg.Logger).With(log.Component("simulated_ledger")),
		txs:         make(map[string]*txRecord),
		peers:       make(map[string]string),
		tags:        make(map[string]string),
		accountTags: make(map[string]string),
	}
}

// Connect returns a ledger.ConnectFunc building a simulated ledger. The
// built ledger is also passed to onConnect when it is non-nil.
func Connect(cfg Config, onConnect func(*Ledger)) ledger.ConnectFunc {
	return func(_ context.Context, services ledger.Services) (ledger.Settler, error) {
		l := New(cfg, services)
		if onConnect != nil {
			onConnect(l)
		}

		return l, nil
	}
}

// Address returns the engine's own address.
func (l *Ledger) Address() string {
	return l.cfg.Address
}

func (l *Ledger) round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundDown(l.cfg.Precision)
}

func (l *Ledger) checkConnected() error {
	if l.disconnected {
		return ErrDisconnected
	}

	return nil
}

// Settle pays the peer immediately, rounded down to the ledger precision.
func (l *Ledger) Settle(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkConnected(); err != nil {
		return decimal.Zero, err
	}

	if l.settleErr != nil {
		return decimal.Zero, l.settleErr
	}

	if _, ok := l.peers[accountID]; !ok {
		return decimal.Zero, fmt.Errorf("settle %s: %w", accountID, ErrNoPeerAddress)
	}

	sent := l.round(amount)
	if sent.LessThan(l.cfg.MinSettleAmount) || !sent.IsPositive() {
		return decimal.Zero, nil
	}

	l.height++
	l.logger.Log(ctx, log.LevelDebug, "settled", log.Account(accountID), log.Amount("amount", sent))

	return sent, nil
}

// Setup assigns the account a correlation tag and sends the engine's
// config to the peer.
func (l *Ledger) Setup(ctx context.Context, accountID string) error {
	l.mu.Lock()

	if err := l.checkConnected(); err != nil {
		l.mu.Unlock()
		return err
	}

	tag, ok := l.accountTags[accountID]
	if !ok {
		l.nextTag++
		tag = strconv.Itoa(l.nextTag)
		l.accountTags[accountID] = tag
		l.tags[tag] = accountID
	}

	services := l.services
	l.mu.Unlock()

	if services == nil {
		return nil
	}

	if _, err := services.SendMessage(ctx, accountID, l.configMessage(tag)); err != nil {
		return fmt.Errorf("send config to peer: %w", err)
	}

	return nil
}

type configData struct {
	Address string `json:"address"`
	Tag     string `json:"tag,omitempty"`
}

type peerMessage struct {
	Type string     `json:"type"`
	Data configData `json:"data"`
}

func (l *Ledger) configMessage(tag string) peerMessage {
	return peerMessage{Type: MessageTypeConfig, Data: configData{Address: l.cfg.Address, Tag: tag}}
}

// HandleMessage records the peer's address from a config message and answers
// with the engine's own config.
func (l *Ledger) HandleMessage(_ context.Context, accountID string, message json.RawMessage) (any, error) {
	var msg peerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, fmt.Errorf("decode peer message: %w", err)
	}

	if msg.Type != MessageTypeConfig {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	if msg.Data.Address == "" {
		return nil, fmt.Errorf("config message: %w", ErrNoPeerAddress)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.peers[accountID] = msg.Data.Address

	return l.configMessage(l.accountTags[accountID]), nil
}

// CloseAccount forgets the account's peer and tag.
func (l *Ledger) CloseAccount(_ context.Context, accountID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.peers, accountID)

	if tag, ok := l.accountTags[accountID]; ok {
		delete(l.tags, tag)
		delete(l.accountTags, accountID)
	}

	return nil
}

// Disconnect makes every later ledger call fail.
func (l *Ledger) Disconnect(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disconnected = true

	return nil
}

// Peer returns the recorded address of the account's peer.
func (l *Ledger) Peer(accountID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	address, ok := l.peers[accountID]

	return address, ok
}

// Tag returns the correlation tag assigned to accountID.
func (l *Ledger) Tag(accountID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tag, ok := l.accountTags[accountID]

	return tag, ok
}

// SetPeer records a peer address without a message round trip.
func (l *Ledger) SetPeer(accountID, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.peers[accountID] = address
}

// FailSettle makes Settle return err until called again with nil.
func (l *Ledger) FailSettle(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.settleErr = err
}

// FailSubmit makes SubmitTransaction return err until called again with nil.
func (l *Ledger) FailSubmit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submitErr = err
}

// RejectNext makes the next n included transactions fail on the ledger.
func (l *Ledger) RejectNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failNext = n
}

// Stall stops including submitted transactions while set.
func (l *Ledger) Stall(stall bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stall = stall
}
