package rocketchat

import (
	"github.com/omochice/rocketchat-adapter/pkg/protocol"
	"github.com/omochice/rocketchat-adapter/pkg/widget"
)

// ConvertMessage translates a backend record into the widget message shape.
// Records written by selfID are outgoing, everything else is incoming.
func ConvertMessage(rec protocol.Record, selfID string) widget.Message {
	username := rec.User.Name
	if username == "" {
		username = rec.User.Username
	}

	direction := widget.DirectionIncoming
	if selfID != "" && rec.User.ID == selfID {
		direction = widget.DirectionOutgoing
	}

	return widget.Message{
		Time:      rec.Timestamp.Time,
		From:      widget.Sender{Username: username, Avatar: rec.Avatar},
		Text:      rec.Text,
		Direction: direction,
	}
}
