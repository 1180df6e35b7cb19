package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/flipps12/chat-p2p/internal/overlay"
)

// CommandPrefix marks a structured command; anything else is chat text
const CommandPrefix = "CMD:"

// Command names following CommandPrefix
const (
	CmdConnect     = "CONNECT"
	CmdGetPeers    = "GET_PEERS"
	CmdGetInfo     = "GET_INFO"
	CmdAddTopic    = "ADD_TOPIC"
	CmdSendMessage = "SEND_MESSAGE"
)

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidMessage  = errors.New("invalid message")
)

// CommandError reports a command string that could not be parsed
type CommandError struct {
	Command string
	Kind    error
	Err     error
}

func (e *CommandError) Error() string {
	name := e.Command
	if name == "" {
		name = "text"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", name, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", name, e.Kind)
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseCommand turns a UI command string into an engine command. Strings
// without a known CMD: prefix are published as text on the default topic.
func ParseCommand(line string) (overlay.Command, error) {
	line = strings.TrimRight(line, "\r\n")

	rest, ok := strings.CutPrefix(line, CommandPrefix)
	if !ok {
		return parseText(line)
	}
	name, args, _ := strings.Cut(rest, ":")

	switch name {
	case CmdConnect:
		if args == "" {
			return nil, &CommandError{Command: name, Kind: ErrMissingArgument}
		}
		addr, err := ma.NewMultiaddr(args)
		if err != nil {
			return nil, &CommandError{Command: name, Kind: ErrInvalidAddress, Err: err}
		}
		return overlay.Connect{Addr: addr}, nil

	case CmdGetPeers:
		return overlay.GetPeers{}, nil

	case CmdGetInfo:
		return overlay.GetInfo{}, nil

	case CmdAddTopic:
		topic := strings.TrimSpace(args)
		if topic == "" {
			return nil, &CommandError{Command: name, Kind: ErrMissingArgument}
		}
		return overlay.AddTopic{Name: topic}, nil

	case CmdSendMessage:
		msg, err := parseMessage(args)
		if err != nil {
			return nil, &CommandError{Command: name, Kind: ErrInvalidMessage, Err: err}
		}
		return overlay.SendMessage{Message: msg}, nil

	default:
		return parseText(line)
	}
}

func parseText(line string) (overlay.Command, error) {
	if line == "" {
		return nil, &CommandError{Kind: ErrMissingArgument}
	}
	return overlay.PublishText{Text: line}, nil
}

func parseMessage(args string) (overlay.Message, error) {
	var msg overlay.Message
	if err := json.Unmarshal([]byte(args), &msg); err != nil {
		return msg, err
	}
	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	if err := validate.Struct(msg); err != nil {
		return msg, err
	}
	return msg, nil
}
