package watcher

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/peervault/peervault/internal/escrow"
)

func word(hexAddr string) []byte {
	w := make([]byte, 32)
	copy(w[12:], common.HexToAddress(hexAddr).Bytes())
	return w
}

func uintWord(v uint64) []byte {
	w := make([]byte, 32)
	for i := 0; v > 0; i++ {
		w[31-i] = byte(v)
		v >>= 8
	}
	return w
}

func escrowTopic() common.Hash {
	return common.HexToHash("0x" + strings.Repeat("ab", 32))
}

func TestDecodeCreatedLog(t *testing.T) {
	var data []byte
	data = append(data, word("0x1111111111111111111111111111111111111111")...)
	data = append(data, word("0x036cbd53842c5426634e7929541ec2318f3dcf7e")...)
	data = append(data, uintWord(1500000)...)
	data = append(data, uintWord(15000)...)
	data = append(data, uintWord(100000)...)
	data = append(data, uintWord(100000)...)

	vLog := types.Log{
		Topics:      []common.Hash{topicCreated, escrowTopic()},
		Data:        data,
		BlockNumber: 120,
		Index:       3,
		TxHash:      common.HexToHash("0x01"),
	}
	ev, ok := decodeLog(84532, vLog)
	if !ok {
		t.Fatal("decode failed")
	}
	if ev.Event != string(escrow.EventCreated) {
		t.Errorf("event = %s", ev.Event)
	}
	if ev.EscrowID != escrowTopic().Hex() {
		t.Errorf("escrowId = %s", ev.EscrowID)
	}
	if ev.BlockNumber != 120 || ev.LogIndex != 3 {
		t.Errorf("position = (%d, %d)", ev.BlockNumber, ev.LogIndex)
	}
	if ev.Payload["amount"] != "1500000" {
		t.Errorf("amount = %v", ev.Payload["amount"])
	}
	if ev.Payload["seller"] != "0x1111111111111111111111111111111111111111" {
		t.Errorf("seller = %v", ev.Payload["seller"])
	}
}

func TestDecodeTakenLog(t *testing.T) {
	vLog := types.Log{
		Topics:      []common.Hash{topicTaken, escrowTopic()},
		Data:        word("0x2222222222222222222222222222222222222222"),
		BlockNumber: 121,
	}
	ev, ok := decodeLog(84532, vLog)
	if !ok {
		t.Fatal("decode failed")
	}
	if ev.Event != string(escrow.EventTaken) {
		t.Errorf("event = %s", ev.Event)
	}
	if ev.Payload["buyer"] != "0x2222222222222222222222222222222222222222" {
		t.Errorf("buyer = %v", ev.Payload["buyer"])
	}
}

func TestDecodeSkipsUnknownAndMalformed(t *testing.T) {
	cases := map[string]types.Log{
		"unknown topic": {
			Topics: []common.Hash{common.HexToHash("0x99"), escrowTopic()},
		},
		"missing escrow id topic": {
			Topics: []common.Hash{topicFunded},
		},
		"created with short data": {
			Topics: []common.Hash{topicCreated, escrowTopic()},
			Data:   make([]byte, 64),
		},
		"taken without buyer word": {
			Topics: []common.Hash{topicTaken, escrowTopic()},
		},
	}
	for name, vLog := range cases {
		if _, ok := decodeLog(84532, vLog); ok {
			t.Errorf("%s: decoded, want skip", name)
		}
	}
}

func TestDecodeNoPayloadEvents(t *testing.T) {
	for topic, want := range map[common.Hash]escrow.EventName{
		topicFunded:           escrow.EventFunded,
		topicPaymentConfirmed: escrow.EventPaymentConfirmed,
		topicResolved:         escrow.EventResolved,
		topicReleased:         escrow.EventReleased,
		topicCancelled:        escrow.EventCancelled,
	} {
		vLog := types.Log{Topics: []common.Hash{topic, escrowTopic()}}
		ev, ok := decodeLog(84532, vLog)
		if !ok {
			t.Errorf("%s: decode failed", want)
			continue
		}
		if ev.Event != string(want) {
			t.Errorf("event = %s, want %s", ev.Event, want)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	store := NewMemoryCursorStore()
	ctx := context.Background()

	if _, ok, err := store.Load(ctx, 84532, "0xabc"); err != nil || ok {
		t.Fatalf("fresh load = ok %v err %v", ok, err)
	}
	if err := store.Save(ctx, 84532, "0xabc", 500); err != nil {
		t.Fatalf("save: %v", err)
	}
	block, ok, err := store.Load(ctx, 84532, "0xabc")
	if err != nil || !ok || block != 500 {
		t.Fatalf("load = (%d, %v, %v)", block, ok, err)
	}
	// Cursors are scoped per (chain, contract).
	if _, ok, _ := store.Load(ctx, 1, "0xabc"); ok {
		t.Error("cursor leaked across chains")
	}
}

func TestLag(t *testing.T) {
	if lag(100, 90) != 10 {
		t.Error("lag(100, 90)")
	}
	if lag(90, 100) != 0 {
		t.Error("lag must clamp at zero")
	}
}
