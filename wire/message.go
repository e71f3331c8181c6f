package wire

import (
	"bytes"
	"encoding/json"

	"github.com/sportsed/sportsed/model"
)

// Command is the closed set of protocol commands.
type Command string

const (
	CmdVersion      Command = "version"
	CmdAuthenticate Command = "authenticate"
	CmdCreate       Command = "create"
	CmdRead         Command = "read"
	CmdUpdate       Command = "update"
	CmdDelete       Command = "delete"
	CmdFind         Command = "find"
	CmdChanges      Command = "changes"
	CmdSubscribe    Command = "subscribe"
	CmdUnsubscribe  Command = "unsubscribe"

	// server -> client frame kinds
	CmdReply Command = "reply"
	CmdError Command = "error"
)

var commands = map[Command]bool{
	CmdVersion:      true,
	CmdAuthenticate: true,
	CmdCreate:       true,
	CmdRead:         true,
	CmdUpdate:       true,
	CmdDelete:       true,
	CmdFind:         true,
	CmdChanges:      true,
	CmdSubscribe:    true,
	CmdUnsubscribe:  true,
}

// Known reports whether the command is one a client may send.
func (c Command) Known() bool {
	return commands[c]
}

// Request is the client -> server envelope. MsgId is the per-connection
// correlation counter, starting at zero.
type Request struct {
	Cmd   Command         `json:"cmd"`
	MsgId uint64          `json:"msgId"`
	Data  json.RawMessage `json:"data"`
}

// Response is the server -> client envelope. For replies and errors
// ReplyTo echoes the request's msgId; for pushed changes it carries the
// subscription id. Kind classifies errors and is empty otherwise.
type Response struct {
	Cmd     Command         `json:"cmd"`
	ReplyTo uint64          `json:"reply_to"`
	Kind    string          `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// AuthRequest is the authenticate payload.
type AuthRequest struct {
	Name string `json:"name"`
	Pwd  string `json:"pwd"`
}

// RecordRef addresses one record for read and delete. IncludeDeleted lets
// a read return the last state of a soft-deleted record.
type RecordRef struct {
	Table          model.Table `json:"table"`
	Id             model.Id    `json:"id"`
	IncludeDeleted bool        `json:"include_deleted,omitempty"`
}

// SubscribeReply pairs the new subscription id with its catch-up snapshot.
type SubscribeReply struct {
	Subscription uint64               `json:"subscription"`
	Changes      model.ChangeResponse `json:"changes"`
}

// UnsubscribeRequest removes subscriptions either by id or by query; the
// payload is a bare number or a ChangeQuery object.
type UnsubscribeRequest struct {
	ById  bool
	Id    uint64
	Query model.ChangeQuery
}

func (u UnsubscribeRequest) MarshalJSON() ([]byte, error) {
	if u.ById {
		return json.Marshal(u.Id)
	}
	return json.Marshal(u.Query)
}

func (u *UnsubscribeRequest) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		u.ById = true
		return json.Unmarshal(data, &u.Id)
	}
	u.ById = false
	return json.Unmarshal(data, &u.Query)
}
