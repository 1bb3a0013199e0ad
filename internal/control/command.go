package control

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind classifies an inbound client command
type Kind int

const (
	// KindUnknown is anything not recognized; it is ignored without a reply
	KindUnknown Kind = iota
	// KindSet updates a control value
	KindSet
	// KindSwitchOutput toggles between preview and histogram output
	KindSwitchOutput
	// KindStartCapture asks for a frame capture to disk, which is not supported
	KindStartCapture
)

// Command is a parsed client message
type Command struct {
	Kind    Kind
	Control ID
	Value   int64
	Raw     string
}

// ParseError reports a recognized command with a malformed argument
type ParseError struct {
	Command string
	Arg     string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s argument %q: %v", e.Command, e.Arg, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var setCommands = map[string]ID{
	"SET_GAIN":      Gain,
	"SET_EXPOSURE":  Exposure,
	"SET_WB_R":      WBRed,
	"SET_WB_B":      WBBlue,
	"SET_BANDWIDTH": Bandwidth,
}

// Parse decodes a text message of the form "NAME:ARG".
// Unrecognized names return a KindUnknown command and no error.
func Parse(msg string) (Command, error) {
	raw := strings.TrimSpace(msg)
	name, arg, ok := strings.Cut(raw, ":")
	if !ok {
		return Command{Kind: KindUnknown, Raw: raw}, nil
	}
	name = strings.ToUpper(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)

	if id, ok := setCommands[name]; ok {
		v, err := parseValue(id, arg)
		if err != nil {
			return Command{}, &ParseError{Command: name, Arg: arg, Err: err}
		}
		return Command{Kind: KindSet, Control: id, Value: v, Raw: raw}, nil
	}

	switch name {
	case "SWITCH_OUTPUT":
		return Command{Kind: KindSwitchOutput, Raw: raw}, nil
	case "START_CAPTURE":
		n, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			return Command{}, &ParseError{Command: name, Arg: arg, Err: err}
		}
		return Command{Kind: KindStartCapture, Value: n, Raw: raw}, nil
	}
	return Command{Kind: KindUnknown, Raw: raw}, nil
}

// parseValue converts the argument for id. Exposure is given in milliseconds
// (fractions allowed) and stored in microseconds; everything else is an integer.
func parseValue(id ID, arg string) (int64, error) {
	if id != Exposure {
		return strconv.ParseInt(arg, 10, 64)
	}
	ms, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return 0, fmt.Errorf("exposure must be a positive number of milliseconds")
	}
	return int64(math.Trunc(ms * 1000)), nil
}
