package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Kind identifies a protocol message variant.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindConnected
	KindFileList
	KindData
	KindRequestFile
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "CONNECT"
	case KindConnected:
		return "CONNECTED"
	case KindFileList:
		return "FILELIST"
	case KindData:
		return "DATA"
	case KindRequestFile:
		return "REQUESTFILE"
	case KindChat:
		return "CHAT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is one line of the peer protocol. Only the fields belonging to
// Kind are meaningful.
type Message struct {
	Kind     Kind
	Identity string   // Connect, Connected
	Names    []string // FileList
	FileName string   // Data, RequestFile
	Payload  []byte   // Data
	Sender   string   // Chat
	Body     string   // Chat
}

func ConnectMessage(identity string) Message {
	return Message{Kind: KindConnect, Identity: identity}
}

func ConnectedMessage(identity string) Message {
	return Message{Kind: KindConnected, Identity: identity}
}

// FileListMessage normalises an empty list to nil.
func FileListMessage(names []string) Message {
	if len(names) == 0 {
		names = nil
	}
	return Message{Kind: KindFileList, Names: names}
}

func DataMessage(name string, payload []byte) Message {
	return Message{Kind: KindData, FileName: name, Payload: payload}
}

func RequestFileMessage(name string) Message {
	return Message{Kind: KindRequestFile, FileName: name}
}

func ChatMessage(sender, body string) Message {
	return Message{Kind: KindChat, Sender: sender, Body: body}
}

var (
	ErrUnrecognizedMessage = errors.New("unrecognized message")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrInvalidFileName     = errors.New("invalid file name")
	ErrUnencodable         = errors.New("message cannot be encoded on one line")
)

// ParseError reports a received line that could not be decoded.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 64 {
		line = line[:64] + "..."
	}
	return fmt.Sprintf("parse %q: %v", line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidateFileName rejects anything that is not a plain basename safe to join
// onto the data directory.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidFileName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidFileName, name)
	case strings.ContainsAny(name, `/\`), filepath.IsAbs(name), filepath.VolumeName(name) != "":
		return fmt.Errorf("%w: %q contains a path", ErrInvalidFileName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidFileName, name)
		}
	}
	return nil
}

// DataLineLen is the length of the DATA line, without its newline, that
// carries a size-byte payload for name.
func DataLineLen(name string, size int64) int64 {
	return int64(len("DATA ")+len(name)+len(" ")) + (size+2)/3*4
}

// Encode renders m as a protocol line without the trailing newline.
func Encode(m Message) (string, error) {
	switch m.Kind {
	case KindConnect, KindConnected:
		if !validIdentity(m.Identity) {
			return "", fmt.Errorf("%w: identity %q", ErrUnencodable, m.Identity)
		}
		return m.Kind.String() + " " + m.Identity, nil
	case KindFileList:
		for _, name := range m.Names {
			if err := ValidateFileName(name); err != nil {
				return "", err
			}
		}
		return "FILELIST " + strings.Join(m.Names, " "), nil
	case KindData:
		if err := ValidateFileName(m.FileName); err != nil {
			return "", err
		}
		return "DATA " + m.FileName + " " + base64.StdEncoding.EncodeToString(m.Payload), nil
	case KindRequestFile:
		if err := ValidateFileName(m.FileName); err != nil {
			return "", err
		}
		return "REQUESTFILE " + m.FileName, nil
	case KindChat:
		if !validIdentity(m.Sender) || strings.Contains(m.Sender, ": ") {
			return "", fmt.Errorf("%w: sender %q", ErrUnencodable, m.Sender)
		}
		if strings.ContainsAny(m.Body, "\r\n") {
			return "", fmt.Errorf("%w: chat body contains a newline", ErrUnencodable)
		}
		return m.Sender + ": " + m.Body, nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnencodable, m.Kind)
	}
}

// Decode parses one protocol line. A trailing "\n" or "\r\n" is ignored.
func Decode(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest, _ := strings.Cut(line, " ")

	switch verb {
	case "CONNECT", "CONNECTED":
		if !validIdentity(rest) {
			return Message{}, &ParseError{Line: line, Err: fmt.Errorf("%w: bad identity", ErrMalformedMessage)}
		}
		if verb == "CONNECT" {
			return ConnectMessage(rest), nil
		}
		return ConnectedMessage(rest), nil

	case "FILELIST":
		names := strings.Fields(rest)
		for _, name := range names {
			if err := ValidateFileName(name); err != nil {
				return Message{}, &ParseError{Line: line, Err: err}
			}
		}
		return FileListMessage(names), nil

	case "DATA":
		name, encoded, ok := strings.Cut(rest, " ")
		if !ok {
			return Message{}, &ParseError{Line: line, Err: fmt.Errorf("%w: DATA without payload", ErrMalformedMessage)}
		}
		if err := ValidateFileName(name); err != nil {
			return Message{}, &ParseError{Line: line, Err: err}
		}
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Message{}, &ParseError{Line: line, Err: fmt.Errorf("%w: %v", ErrMalformedMessage, err)}
		}
		return DataMessage(name, payload), nil

	case "REQUESTFILE":
		if err := ValidateFileName(rest); err != nil {
			return Message{}, &ParseError{Line: line, Err: err}
		}
		return RequestFileMessage(rest), nil
	}

	if sender, body, ok := strings.Cut(line, ": "); ok && validIdentity(sender) {
		return ChatMessage(sender, body), nil
	}
	return Message{}, &ParseError{Line: line, Err: ErrUnrecognizedMessage}
}
