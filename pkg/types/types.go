// Package types holds the entities shared across Chain Pulse's ingestion
// pipeline: the Decoder produces them, the Store persists them, and the
// Analyzer classifies them.
package types

import "time"

// ChainID identifies a configured chain by its human-readable chain-id
// (e.g. "cosmoshub-4"), not a numeric EVM-style id.
type ChainID string

// ProtocolGeneration tags which CometBFT wire-format generation a chain
// speaks. The Decoder dispatches on this tag; there is no auto-detection.
type ProtocolGeneration string

const (
	// CometV034 is the Tendermint Core 0.34 wire format.
	CometV034 ProtocolGeneration = "v0_34"
	// CometV037 is the CometBFT 0.37 wire format.
	CometV037 ProtocolGeneration = "v0_37"
)

// MsgType is the IBC packet-lifecycle message kind a Packet was extracted
// from.
type MsgType string

const (
	// MsgRecv is a MsgRecvPacket.
	MsgRecv MsgType = "Recv"
	// MsgAck is a MsgAcknowledgePacket.
	MsgAck MsgType = "Ack"
	// MsgTimeout is a MsgTimeoutPacket.
	MsgTimeout MsgType = "Timeout"
)

// ChainConfig is the immutable identity and connection info for one
// monitored chain.
type ChainConfig struct {
	ChainID       ChainID
	URL           string
	Comet         ProtocolGeneration
	ChannelFilter map[string]bool // empty/nil means "no filter, observe all channels"
}

// Allowed reports whether a channel should be observed under this chain's
// optional channel filter.
func (c ChainConfig) Allowed(channel string) bool {
	if len(c.ChannelFilter) == 0 {
		return true
	}
	return c.ChannelFilter[channel]
}

// Packet is a single IBC packet-lifecycle observation: one relayer's
// submission of Recv/Ack/Timeout for one logical packet, decoded from one
// message in one transaction.
type Packet struct {
	ChainID  ChainID
	TxHash   string
	MsgIndex int
	MsgType  MsgType

	Sequence   uint64
	SrcPort    string
	SrcChannel string
	DstPort    string
	DstChannel string

	Signer string
	Memo   string

	BlockHeight int64
	TxIndex     int
	BlockTime   time.Time

	Effected bool
}

// LogicalID is the tuple identifying the logical packet action independent
// of which relayer submitted it or how many times it was (re)submitted.
type LogicalID struct {
	SrcChannel string
	SrcPort    string
	DstChannel string
	DstPort    string
	Sequence   uint64
	MsgType    MsgType
}

// Logical returns p's logical packet identity.
func (p Packet) Logical() LogicalID {
	return LogicalID{
		SrcChannel: p.SrcChannel,
		SrcPort:    p.SrcPort,
		DstChannel: p.DstChannel,
		DstPort:    p.DstPort,
		Sequence:   p.Sequence,
		MsgType:    p.MsgType,
	}
}

// Transaction is one committed transaction carrying one or more IBC
// messages.
type Transaction struct {
	ChainID     ChainID
	BlockHeight int64
	TxIndex     int
	TxHash      string
	BlockTime   time.Time
	Memo        string
}
