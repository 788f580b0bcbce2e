package notify

import (
	"fmt"
	"strings"

	"tendbot/internal/resource"
)

func messageText(d Dispatch) string {
	r := d.Resource
	p := d.Profile
	switch d.Kind {
	case CollectionReady:
		return fmt.Sprintf(
			"🔋 Battery ready!\nThe %s #%d by %s at %s has output ready to collect.\nCommand: /collect %d <car>",
			p.Noun, r.ID, r.OwnerName, r.Location, r.ID)
	default:
		return fmt.Sprintf(
			"⚠️ %s reminder!\nThe %s #%d by %s at %s needs attention: %s it.\nCommand: /%s %d",
			titleVerb(p.ServiceVerb), p.Noun, r.ID, r.OwnerName, r.Location, p.ServiceVerb, p.ServiceVerb, r.ID)
	}
}

func ackedText(d Dispatch) string {
	r := d.Resource
	p := d.Profile
	return fmt.Sprintf("✅ Handled! The %s #%d at %s has been taken care of.", p.Noun, r.ID, r.Location)
}

func ackButtonLabel(p resource.Profile) string {
	if p.Kind == resource.KindRecharging {
		return "🔧 Repaired"
	}
	return "✅ Done"
}

func titleVerb(verb string) string {
	if verb == "" {
		return "Service"
	}
	return strings.ToUpper(verb[:1]) + verb[1:]
}
