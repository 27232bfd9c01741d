// Package transport defines the contract the participant relies on from the
// framed byte-channel between named peers, plus the semantic messages
// exchanged over it. Per the engine's scope, the transport itself (the
// wire/protobuf framing, reconnect backoff, flow control) is an external
// collaborator; only the interface and an in-memory reference
// implementation used for single-process simulation and tests live here.
package transport

import "zab/internal/zabtypes"

// MessageType tags the payload carried by a Message.
type MessageType int

const (
	ProposedEpoch MessageType = iota
	NewEpoch
	AckEpoch
	NewLeader
	Ack
	Commit
	Proposal
	Truncate
	Diff
	Snapshot
	Heartbeat
	QueryLeader
	QueryLeaderReply
	Join
	ShutDown
	Request
	PullTxnReq
	PullTxnEnd
)

func (t MessageType) String() string {
	switch t {
	case ProposedEpoch:
		return "PROPOSED_EPOCH"
	case NewEpoch:
		return "NEW_EPOCH"
	case AckEpoch:
		return "ACK_EPOCH"
	case NewLeader:
		return "NEW_LEADER"
	case Ack:
		return "ACK"
	case Commit:
		return "COMMIT"
	case Proposal:
		return "PROPOSAL"
	case Truncate:
		return "TRUNCATE"
	case Diff:
		return "DIFF"
	case Snapshot:
		return "SNAPSHOT"
	case Heartbeat:
		return "HEARTBEAT"
	case QueryLeader:
		return "QUERY_LEADER"
	case QueryLeaderReply:
		return "QUERY_LEADER_REPLY"
	case Join:
		return "JOIN"
	case ShutDown:
		return "SHUT_DOWN"
	case Request:
		return "REQUEST"
	case PullTxnReq:
		return "PULL_TXN_REQ"
	case PullTxnEnd:
		return "PULL_TXN_END"
	default:
		return "UNKNOWN"
	}
}

// Message is the logical payload of a single wire exchange between two
// participants. Exactly the fields relevant to Type are populated; this
// mirrors a tagged union without requiring a generated protobuf oneof.
type Message struct {
	Type MessageType

	// DISCOVERING
	ProposedEpochVal uint32
	AckEpochVal      uint32
	Config           zabtypes.ClusterConfig
	NewEpochVal      uint32

	// SYNCHRONIZING
	Txn          zabtypes.Transaction
	TruncateZxid zabtypes.Zxid
	SnapshotData []byte
	LastZxid     zabtypes.Zxid

	// REQUEST: opaque client payload forwarded to the leader.
	ReqType uint32
	ReqBody []byte

	// BROADCASTING
	Zxid zabtypes.Zxid

	// QUERY_LEADER_REPLY
	LeaderID zabtypes.ServerID
}

// MessageTuple is what arrives on a participant's MessageQueue: either a
// real message from a peer, or one of the two synthetic sentinels.
type MessageTuple struct {
	Source zabtypes.ServerID
	Msg    Message

	// GoBack is the synthetic sentinel meaning the election oracle told
	// the participant to restart the round.
	GoBack bool

	// Disconnected is the synthetic sentinel meaning the named peer's
	// channel dropped.
	Disconnected     bool
	DisconnectedPeer zabtypes.ServerID
}
