package channel

import (
	"fmt"
	"strings"

	"github.com/t77yq/alert-notifier/internal/model"
)

const (
	noiseBanner  = "TOO MUCH NOISE!  Last notification: "
	normalBanner = "BACK TO NORMAL: "
)

// Banner returns the prefix announcing a change of suppression state
func Banner(cond Conditions) string {
	switch {
	case cond.SuppressionStarted():
		return noiseBanner
	case cond.SuppressionEnded():
		return normalBanner
	default:
		return ""
	}
}

// Subject is the one-line description of an alert change
func Subject(alert model.Alert) string {
	return fmt.Sprintf("%s %s: %s",
		strings.ToUpper(string(alert.Level())),
		strings.ToUpper(string(alert.UpdateType())),
		alert.Summary())
}

// Message renders the short text used by SMS-like channels
func Message(alert model.Alert, others []model.Alert, cond Conditions, link string) string {
	var b strings.Builder
	b.WriteString(Banner(cond))
	b.WriteString(Subject(alert))

	n := 0
	for _, other := range others {
		if other.ID() != alert.ID() {
			n++
		}
	}
	switch {
	case n == 1:
		b.WriteString(" and a lone other.")
	case n > 1:
		fmt.Fprintf(&b, " and %d others.", n)
	}

	if link != "" {
		b.WriteString(" link: ")
		b.WriteString(link)
	}
	return b.String()
}
