/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

// MessageType is the type of a gateway websocket message
type MessageType string

const (
	// Sent by the client
	MessageRegister   MessageType = "register"
	MessageInvite     MessageType = "invite"
	MessageAnswer     MessageType = "answer"
	MessageReject     MessageType = "reject"
	MessageDTMF       MessageType = "dtmf"
	MessageUnregister MessageType = "unregister"

	// Sent by the gateway
	MessageRegistered MessageType = "registered"
	MessageError      MessageType = "error"
	MessageHeartbeat  MessageType = "heartbeat"
	MessageIncoming   MessageType = "incoming"
	MessageRinging    MessageType = "ringing"
	MessageAccept     MessageType = "accept"
	MessageCancel     MessageType = "cancel"
	MessageCallError  MessageType = "call_error"

	// Sent by either side
	MessageHangup MessageType = "hangup"
)

// Message is the JSON envelope exchanged with the gateway
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	SDP       string      `json:"sdp,omitempty"`
	Digits    string      `json:"digits,omitempty"`
	Code      int         `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}
