package content

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Payload is what the send capability delivers to a user.
type Payload struct {
	Text  string                `json:"text"`
	Media []models.ContentAsset `json:"media,omitempty"`
}

// IsEmpty reports whether the payload carries nothing to send.
func (p Payload) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Media) == 0
}

// FollowUpText builds the message body for follow-up seq. Urgency escalates
// with seq; anything past the last scripted message reuses the final notice.
func FollowUpText(o catalog.Offering, seq int, name string) string {
	var b strings.Builder
	switch {
	case seq <= 1:
		fmt.Fprintf(&b, "Hey %s, I noticed you were checking out our %s.\n\n", displayName(name, "there"), o.Name)
		fmt.Fprintf(&b, "Just wanted to remind you that we only have %s spots left! ", slotsLabel(o.LimitedSlots, "a few"))
		b.WriteString("Many traders are already benefiting from this service.\n\n")
		fmt.Fprintf(&b, "Would you like more information or have any questions about the %s?", o.Name)
	case seq == 2:
		fmt.Fprintf(&b, "Hi %s! Quick update on our %s.\n\n", displayName(name, "there"), o.Name)
		b.WriteString("We've been getting a lot of interest and spots are filling up fast. ")
		if o.LimitedTime != "" {
			fmt.Fprintf(&b, "This offer expires in %s.\n\n", o.LimitedTime)
		} else {
			b.WriteString("This is a limited time offer.\n\n")
		}
		b.WriteString("Here's what some of our users are saying:")
	default:
		fmt.Fprintf(&b, "FINAL NOTICE: %s, this is your last chance to secure the %s!\n\n", displayName(name, "Hey trader"), o.Name)
		if o.LimitedSlots > 0 {
			fmt.Fprintf(&b, "Only %d spots remaining. ", finalSlots(o.LimitedSlots))
		} else {
			b.WriteString("Very limited spots remaining. ")
		}
		b.WriteString("After that, the price will increase significantly.\n\n")
		b.WriteString("Don't miss out on these incredible results:")
	}
	return b.String()
}

// finalSlots is the spot count quoted in the final notice.
func finalSlots(slots int) int {
	return max(2, slots-3)
}

func slotsLabel(slots int, fallback string) string {
	if slots <= 0 {
		return fallback
	}
	return fmt.Sprintf("%d", slots)
}

func displayName(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}
