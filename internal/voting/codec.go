package voting

import (
	"fmt"
	"strconv"
	"strings"

	"d7bot/internal/channels"
)

const callbackPrefix = "poll:"

// EncodeCallback builds the opaque button payload for a vote.
func EncodeCallback(pollID int64, option int) string {
	return fmt.Sprintf("%s%d:%d", callbackPrefix, pollID, option)
}

// DecodeCallback parses a button payload produced by EncodeCallback. ok is
// false for payloads that belong to something else.
func DecodeCallback(data string) (pollID int64, option int, ok bool) {
	rest, found := strings.CutPrefix(data, callbackPrefix)
	if !found {
		return 0, 0, false
	}
	idPart, optPart, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	pollID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || pollID <= 0 {
		return 0, 0, false
	}
	option, err = strconv.Atoi(optPart)
	if err != nil {
		return 0, 0, false
	}
	return pollID, option, true
}

// PollIDFromControls finds the poll a message belongs to from its buttons.
func PollIDFromControls(buttons []channels.Button) (int64, bool) {
	for _, b := range buttons {
		if id, _, ok := DecodeCallback(b.Data); ok {
			return id, true
		}
	}
	return 0, false
}
