/*
Package conn implements the supervisor/worker control protocol on top of a channel.Channel.

Every message on the channel is an envelope, a JSON object tagged by its "event" field:

	{"event":"message","message":<payload>}
	{"event":"request","id":<n>,"request":<payload>}
	{"event":"response","id":<n>,"response":<payload>}
	{"event":"error","error":{"message":"...","stack":"..."}}

Envelopes are decoded once, at the channel boundary, into one of Message, Request, Response or Error.

Requests are correlated with responses by id only, so responses may arrive in any order.
Ids come from a per-connection LIFO pool: the most recently freed id is reused first, and a new id is minted only when no freed id is available.
An id is never reissued while its request is pending.

Two goroutines serve a Conn. The reader decodes envelopes and resolves responses directly, so responses keep flowing even if a handler is slow.
Message, request and error events are handed to a dispatcher goroutine that calls handlers one at a time, in arrival order.
Events that arrive before anything subscribed to their kind are held in a bounded backlog and replayed to the first subscriber.

When the channel ends, every pending request is rejected with ErrConnectionClosed.
*/
package conn
