// services/modem/commands.go
package modem

import (
	"strings"

	"github.com/google/shlex"
)

// Command is an inbound SMS instruction.
type Command string

const (
	CmdNone     Command = ""
	CmdStat     Command = "#stat"    // reply with the data SMS
	CmdPost     Command = "#gp"      // post data now
	CmdQuality  Command = "#qu"      // reply with signal quality
	CmdReset    Command = "#reset"   // restart the device
	CmdUpdate   Command = "#update"  // check for a firmware update
	CmdZero     Command = "#zero"    // zero the precipitation store
	CmdBalance  Command = "#balance" // reply with the SIM balance
	CmdLocation Command = "location" // location reply from the locating service
)

var known = map[Command]bool{
	CmdStat: true, CmdPost: true, CmdQuality: true, CmdReset: true,
	CmdUpdate: true, CmdZero: true, CmdBalance: true,
}

// ParseCommand finds the instruction in an inbound message. The first
// recognised '#' token wins; the tokens after it are returned as arguments.
func ParseCommand(text string) (Command, []string) {
	if IsLocation(text) {
		return CmdLocation, nil
	}
	// '#' opens a comment for the tokenizer; escape it to keep command words.
	toks, err := shlex.Split(strings.ReplaceAll(text, "#", `\#`))
	if err != nil {
		toks = strings.Fields(text)
	}
	for i, t := range toks {
		c := Command(strings.ToLower(t))
		if known[c] {
			return c, toks[i+1:]
		}
	}
	return CmdNone, nil
}
