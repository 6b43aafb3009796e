package render

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

// Action ids carried by the buttons of a rendered message.
const (
	ActionToggle  = "power_toggle"
	ActionRefresh = "refresh_statuses"
)

// ErrBadAction is returned for a button value that cannot be decoded.
var ErrBadAction = errors.New("malformed action payload")

// Action is the structured value attached to every button.
type Action struct {
	Layout     string `json:"layout"`
	InstanceID string `json:"instance,omitempty"`
}

func (a Action) Encode() string {
	b, _ := json.Marshal(a)
	return string(b)
}

func DecodeAction(value string) (Action, error) {
	var a Action
	if err := json.Unmarshal([]byte(value), &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrBadAction, err)
	}
	if a.Layout == "" {
		return Action{}, fmt.Errorf("%w: missing layout", ErrBadAction)
	}
	return a, nil
}

// MarkWorking returns a copy of blocks in which the button of the section
// blockID is relabelled to text, along with the label it had before.
// blocks itself is left untouched.
func MarkWorking(blocks []slack.Block, blockID, text string) ([]slack.Block, string) {
	out := make([]slack.Block, len(blocks))
	copy(out, blocks)
	for i, b := range out {
		sec, ok := b.(*slack.SectionBlock)
		if !ok || sec.BlockID != blockID || sec.Accessory == nil || sec.Accessory.ButtonElement == nil {
			continue
		}
		btn := *sec.Accessory.ButtonElement
		var original string
		label := slack.TextBlockObject{Type: slack.PlainTextType, Emoji: true}
		if btn.Text != nil {
			original = btn.Text.Text
			label = *btn.Text
		}
		label.Text = text
		btn.Text = &label
		acc := *sec.Accessory
		acc.ButtonElement = &btn
		s := *sec
		s.Accessory = &acc
		out[i] = &s
		return out, original
	}
	return out, ""
}
