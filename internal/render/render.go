package render

import (
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
)

// Labels and glyphs used in rendered messages.
const (
	YellowCircle = ":large_yellow_circle:"
	GreenCircle  = ":large_green_circle:"
	RedCircle    = ":red_circle:"

	TurnOnLabel   = "Turn On"
	TurnOffLabel  = "Turn Off"
	RefreshLabel  = ":repeat: Refresh"
	WorkingLabel  = ":stopwatch: One Moment Please :stopwatch:"
	FallbackText  = "The statuses of the servers."
	HeaderBlockID = "refresh"
	LastCheckedID = "last_checked"
)

// Message is a rendered layout, ready to hand to the chat transport.
type Message struct {
	Blocks []slack.Block
	Text   string
}

// Renderer turns a layout plus instance statuses into a message.
type Renderer struct {
	loc *time.Location
}

// NewRenderer formats timestamps in loc; nil means UTC.
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

// Render builds a fresh message. The second result is true when at least
// one row is pending or stopping.
func (r *Renderer) Render(layout Layout, statuses models.Statuses, now time.Time) (Message, bool) {
	blocks := make([]slack.Block, 0, 2+2*len(layout.Rows))
	blocks = append(blocks, header(layout), r.lastChecked(now))

	transitioning := false
	for i, row := range layout.Rows {
		if i > 0 {
			blocks = append(blocks, &slack.DividerBlock{
				Type:    slack.MBTDivider,
				BlockID: fmt.Sprintf("divider_%d", i),
			})
		}
		code := statuses.Lookup(row.InstanceID)
		if code.Transitioning() {
			transitioning = true
		}
		blocks = append(blocks, rowBlock(layout.Name, row, code))
	}
	return Message{Blocks: blocks, Text: FallbackText}, transitioning
}

// RowBlockID is the block id of the section showing instanceID.
func RowBlockID(instanceID string) string {
	return "power:" + instanceID
}

// RowState is the text and button label for one lifecycle code. An empty
// button label means no button.
func RowState(label string, code models.LifecycleCode) (text, button string) {
	switch code {
	case models.CodePending:
		return fmt.Sprintf("%s %s _(starting)_", YellowCircle, label), ""
	case models.CodeRunning:
		return fmt.Sprintf("%s %s _(running)_", GreenCircle, label), TurnOffLabel
	case models.CodeStopping:
		return fmt.Sprintf("%s %s _(stopping)_", YellowCircle, label), ""
	case models.CodeStopped:
		return fmt.Sprintf("%s %s _(stopped)_", RedCircle, label), TurnOnLabel
	default:
		// shutting-down, terminated or not reported at all
		return label + " is about to be deleted", ""
	}
}

func rowBlock(layoutName string, row Row, code models.LifecycleCode) *slack.SectionBlock {
	text, button := RowState(row.Label, code)
	var acc *slack.Accessory
	if button != "" {
		acc = slack.NewAccessory(slack.NewButtonBlockElement(
			ActionToggle,
			Action{Layout: layoutName, InstanceID: row.InstanceID}.Encode(),
			slack.NewTextBlockObject(slack.PlainTextType, button, false, false),
		))
	}
	return slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
		nil,
		acc,
		slack.SectionBlockOptionBlockID(RowBlockID(row.InstanceID)),
	)
}

func header(layout Layout) *slack.SectionBlock {
	btn := slack.NewButtonBlockElement(
		ActionRefresh,
		Action{Layout: layout.Name}.Encode(),
		slack.NewTextBlockObject(slack.PlainTextType, RefreshLabel, true, false),
	)
	return slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, layout.Title, false, false),
		nil,
		slack.NewAccessory(btn),
		slack.SectionBlockOptionBlockID(HeaderBlockID),
	)
}

func (r *Renderer) lastChecked(now time.Time) *slack.ContextBlock {
	t := now.In(r.loc)
	text := "Last checked at " + t.Format("3:04 PM MST") + " on " + t.Format("Monday, January 2, 2006")
	return slack.NewContextBlock(LastCheckedID, slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}
