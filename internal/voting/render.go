package voting

import (
	"fmt"
	"html"
	"strings"

	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
)

const resultsRule = "============="

// Controls returns one vote button per option.
func Controls(p poll.Poll) []channels.Button {
	buttons := make([]channels.Button, len(p.Payload.Options))
	for i, opt := range p.Payload.Options {
		buttons[i] = channels.Button{Label: opt, Data: EncodeCallback(p.ID, i)}
	}
	return buttons
}

// Render produces the HTML text of a poll message with its current results.
// The poll message itself is trusted markup supplied by the owning feature;
// option labels and voter names are escaped.
func Render(p poll.Poll, tally poll.Tally) string {
	var b strings.Builder
	b.WriteString(p.Payload.Message)
	b.WriteString("\n\n" + resultsRule + "\nResults:\n" + resultsRule + "\n")

	for i, opt := range p.Payload.Options {
		if i > 0 {
			b.WriteString("\n")
		}
		var voters []poll.Voter
		if i < len(tally) {
			voters = tally[i]
		}
		fmt.Fprintf(&b, "<b>[%d]</b> %s", len(voters), html.EscapeString(opt))
		if p.Anonymous || len(voters) == 0 {
			continue
		}
		names := make([]string, len(voters))
		for j, v := range voters {
			names[j] = voterLabel(v)
		}
		b.WriteString("<b>:</b> ")
		b.WriteString(strings.Join(names, ", "))
	}

	b.WriteString("\n" + resultsRule)
	return b.String()
}

func voterLabel(v poll.Voter) string {
	name := v.Name
	if name == "" {
		name = fmt.Sprintf("id%d", v.ID)
	}
	label := "<i>" + html.EscapeString(name) + "</i>"
	if v.Username != "" {
		label += "(@" + html.EscapeString(v.Username) + ")"
	}
	return label
}
