package bus

// Event kinds published on the bus, grouped by namespace prefix.
//
// "socket." events are raw inbound protocol events republished by the
// connection manager. "conn." events are connection lifecycle changes.
// "message." and "roster." events are state-change notifications for
// anything rendering the stores.
const (
	KindSocketMessage     = "socket.message"
	KindSocketTyping      = "socket.typing"
	KindSocketPresence    = "socket.presence"
	KindSocketReadReceipt = "socket.read_receipt"
	KindSocketReaction    = "socket.reaction"
	KindSocketJoinAck     = "socket.join_ack"

	KindConnStateChanged = "conn.state_changed"
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"
	KindConnStale        = "conn.stale"
	KindConnAuthRequired = "conn.auth_required"

	KindMessageUpserted   = "message.upserted"
	KindMessageReconciled = "message.reconciled"
	KindMessageFailed     = "message.failed"
	KindMessageDeleted    = "message.deleted"

	KindRosterUpdated = "roster.updated"
	KindRosterTyping  = "roster.typing"
)
