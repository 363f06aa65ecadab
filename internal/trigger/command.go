package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// DefaultSentinel is the push command that requests a capture
const DefaultSentinel = "photo"

// Command is a parsed push message
type Command struct {
	// Kind is TriggerRemoteCommand or TriggerUnknown, never anything else
	Kind    types.TriggerKind
	Message string
}

// ParseError is a push payload that could not be decoded
type ParseError struct {
	Size int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("trigger: malformed payload (%d bytes): %v", e.Size, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type pushMessage struct {
	Message *string `json:"message" msgpack:"message"`
}

// isMsgpackMap reports whether payload starts with a msgpack map header
// (fixmap, map16 or map32). JSON objects never do.
func isMsgpackMap(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	b := payload[0]
	return b&0xf0 == 0x80 || b == 0xde || b == 0xdf
}

// ParseCommand decodes a push payload of the form {"message":"<string>"},
// sent either as JSON or as a msgpack map.
//
// The result is TriggerRemoteCommand only when message equals sentinel.
// A missing or different message yields TriggerUnknown. Payloads that are
// not an object with a string message return a *ParseError alongside
// an Unknown command.
func ParseCommand(payload []byte, sentinel string) (Command, error) {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}

	var msg pushMessage
	var err error
	if isMsgpackMap(payload) {
		err = msgpack.Unmarshal(payload, &msg)
	} else {
		err = json.Unmarshal(payload, &msg)
	}
	if err != nil {
		return Command{Kind: types.TriggerUnknown}, &ParseError{Size: len(payload), Err: err}
	}
	if msg.Message == nil {
		return Command{Kind: types.TriggerUnknown}, nil
	}
	if *msg.Message == sentinel {
		return Command{Kind: types.TriggerRemoteCommand, Message: *msg.Message}, nil
	}
	return Command{Kind: types.TriggerUnknown, Message: *msg.Message}, nil
}
